package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/procwatch/internal/aggregator"
	"github.com/smazurov/procwatch/internal/api/models"
	"github.com/smazurov/procwatch/internal/events"
)

// parseTime accepts RFC 3339 with or without fractional seconds. Empty is the zero time.
func parseTime(location, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, huma.Error400BadRequest("invalid timestamp", &huma.ErrorDetail{
			Location: location,
			Message:  err.Error(),
			Value:    value,
		})
	}
	return t, nil
}

func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "query-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Query Logs",
		Description: "Aggregated entries across processes in ingestion order, filtered and paginated",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.LogsQuery) (*models.LogsResponse, error) {
		parsed, err := parseLevels("query.level", input.Level)
		if err != nil {
			return nil, err
		}
		if len(parsed) == 0 {
			parsed = nil
		}

		since, err := parseTime("query.since", input.Since)
		if err != nil {
			return nil, err
		}
		until, err := parseTime("query.until", input.Until)
		if err != nil {
			return nil, err
		}

		entries := s.agg.Logs(aggregator.Query{
			ProcessIDs: input.Process,
			Levels:     parsed,
			Since:      since,
			Until:      until,
			Offset:     input.Offset,
			Limit:      input.Limit,
		})
		if entries == nil {
			entries = []aggregator.Entry{}
		}
		return &models.LogsResponse{Body: models.LogsData{Entries: entries, Count: len(entries)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "clear-logs",
		Method:      http.MethodDelete,
		Path:        "/api/logs",
		Summary:     "Clear Logs",
		Description: "Drop every aggregated entry and process record",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.ClearLogsResponse, error) {
		s.agg.Clear()
		resp := &models.ClearLogsResponse{}
		resp.Body.Message = "Logs cleared"
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/api/stats",
		Summary:     "Statistics",
		Description: "Aggregated entry and process counts",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StatsResponse, error) {
		return &models.StatsResponse{Body: s.agg.Statistics()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-process-metadata",
		Method:      http.MethodGet,
		Path:        "/api/logs/processes",
		Summary:     "Aggregated Processes",
		Description: "Metadata of every process the aggregator has seen, finished ones included",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.MetadataListResponse, error) {
		resp := &models.MetadataListResponse{}
		resp.Body.Processes = s.agg.AllMetadata()
		if resp.Body.Processes == nil {
			resp.Body.Processes = []aggregator.Metadata{}
		}
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-process-logs",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}/logs",
		Summary:     "Process Logs",
		Description: "Every aggregated entry of one process in ingestion order",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.ProcessPath) (*models.LogsResponse, error) {
		if _, ok := s.agg.Metadata(input.ID); !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("no logs for process %s", input.ID))
		}
		entries := s.agg.ProcessLogs(input.ID)
		if entries == nil {
			entries = []aggregator.Entry{}
		}
		return &models.LogsResponse{Body: models.LogsData{Entries: entries, Count: len(entries)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-process-metadata",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}/metadata",
		Summary:     "Process Metadata",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.ProcessPath) (*models.MetadataResponse, error) {
		md, ok := s.agg.Metadata(input.ID)
		if !ok {
			return nil, huma.Error404NotFound(fmt.Sprintf("no metadata for process %s", input.ID))
		}
		return &models.MetadataResponse{Body: md}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "process-log-stream",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}/logs/stream",
		Summary:     "Process Log Stream",
		Description: "Sends the process's recent entries first, then streams new ones. Unknown processes get an empty stream.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		events.LogEntryEvent{}.Name(): events.LogEntryEvent{},
	}, func(ctx context.Context, input *models.ProcessPath, send sse.Sender) {
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeProcessToChannel[events.LogEntryEvent](s.eventBus, input.ID, eventCh)
		defer unsubscribe()

		// Subscribing first may repeat a line that is also in the replay; it
		// never drops one.
		recent, err := s.monitor.RecentLogs(input.ID, -1)
		if err != nil {
			return
		}
		for _, entry := range recent {
			if err := send.Data(events.LogEntryEvent{ProcessID: input.ID, Entry: entry}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
