package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/procwatch/internal/api/models"
	"github.com/smazurov/procwatch/internal/events"
)

// registerSSERoutes registers the bus-wide event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Monitor Event Stream",
		Description: "Every monitor event as it happens: lifecycle changes, log entries and batches, buffer warnings and stream errors. Events published before the connection are not replayed. A slow client misses events instead of holding up the monitor.",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, events.Catalog(), func(ctx context.Context, input *models.EventsQuery, send sse.Sender) {
		eventCh := make(chan any, 256)
		unsubscribe := events.SubscribeAllToChannel(s.eventBus, eventCh)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if input.Process != "" {
					if pe, ok := event.(events.ProcessEvent); !ok || pe.Process() != input.Process {
						continue
					}
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
