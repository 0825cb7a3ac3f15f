package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/procwatch/internal/api/models"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
	"github.com/smazurov/procwatch/internal/process"
)

// toHTTPError maps monitor and process errors onto API errors.
func toHTTPError(err error) error {
	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.As(err, &spawnErr):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.NewError(http.StatusGatewayTimeout, err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

func parseLevels(location string, names []string) ([]logstream.Level, error) {
	levels, err := logstream.ParseLevels(names)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid level", &huma.ErrorDetail{
			Location: location,
			Message:  err.Error(),
		})
	}
	return levels, nil
}

func (s *Server) registerProcessRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/api/processes",
		Summary:     "List Processes",
		Description: "Snapshot of every live monitored process",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.ProcessListResponse, error) {
		return &models.ProcessListResponse{Body: s.monitor.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "start-process",
		Method:        http.MethodPost,
		Path:          "/api/processes",
		Summary:       "Start Process",
		Description:   "Spawn a command and start monitoring its output",
		Tags:          []string{"processes"},
		Security:      withAuth(),
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 422},
	}, func(ctx context.Context, input *models.StartProcessRequest) (*models.StartProcessResponse, error) {
		opts := monitor.StartOptions{
			SpawnOptions: process.SpawnOptions{
				Dir:     input.Body.Dir,
				Env:     input.Body.Env,
				NoShell: input.Body.NoShell,
			},
		}
		if input.Body.Filter != nil {
			levels, err := parseLevels("body.filter", input.Body.Filter)
			if err != nil {
				return nil, err
			}
			opts.Filter = levels
		}

		handle, err := s.monitor.Start(ctx, input.Body.Command, opts)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &models.StartProcessResponse{
			Body: models.StartedData{ProcessID: handle, Command: input.Body.Command},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-all-processes",
		Method:      http.MethodDelete,
		Path:        "/api/processes",
		Summary:     "Stop All Processes",
		Description: "Stop every monitored process and wait for them to exit",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.StopAllResponse, error) {
		if err := s.monitor.StopAll(ctx); err != nil {
			return nil, toHTTPError(err)
		}
		return &models.StopAllResponse{Body: models.StopAllData{Message: "All processes stopped"}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}",
		Summary:     "Get Process",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.ProcessPath) (*models.ProcessResponse, error) {
		rec, err := s.monitor.Get(input.ID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &models.ProcessResponse{Body: rec}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-process",
		Method:      http.MethodDelete,
		Path:        "/api/processes/{id}",
		Summary:     "Stop Process",
		Description: "Send SIGTERM, escalate to SIGKILL after the grace period and wait for exit",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(ctx context.Context, input *models.ProcessPath) (*models.StopProcessResponse, error) {
		res, err := s.monitor.Stop(ctx, input.ID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &models.StopProcessResponse{Body: res}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-filter",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}/filter",
		Summary:     "Get Level Filter",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.ProcessPath) (*models.FilterResponse, error) {
		levels, err := s.monitor.LevelFilter(input.ID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return filterResponse(levels), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-filter",
		Method:      http.MethodPut,
		Path:        "/api/processes/{id}/filter",
		Summary:     "Set Level Filter",
		Description: "Replace the level allow-list; an empty list captures every level",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404},
	}, func(_ context.Context, input *models.SetFilterRequest) (*models.FilterResponse, error) {
		levels, err := parseLevels("body.levels", input.Body.Levels)
		if err != nil {
			return nil, err
		}
		if err := s.monitor.SetLevelFilter(input.ID, levels); err != nil {
			return nil, toHTTPError(err)
		}
		current, err := s.monitor.LevelFilter(input.ID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return filterResponse(current), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "recent-logs",
		Method:      http.MethodGet,
		Path:        "/api/processes/{id}/recent",
		Summary:     "Recent Logs",
		Description: "Most recent entries held in the process's ring buffer",
		Tags:        []string{"processes"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.RecentLogsRequest) (*models.EntriesResponse, error) {
		entries, err := s.monitor.RecentLogs(input.ID, input.Limit)
		if err != nil {
			return nil, toHTTPError(err)
		}
		resp := &models.EntriesResponse{}
		resp.Body.Entries = entries
		if resp.Body.Entries == nil {
			resp.Body.Entries = []logstream.Entry{}
		}
		return resp, nil
	})
}

func filterResponse(levels []logstream.Level) *models.FilterResponse {
	if levels == nil {
		levels = []logstream.Level{}
	}
	return &models.FilterResponse{Body: models.FilterData{Levels: levels, Active: len(levels) > 0}}
}
