package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/jtaka1125-beep/mirage/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of device sightings, main changes, transport transitions, helper launches, capture grants and command failures",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"device-seen":     events.DeviceSeenEvent{},
		"main-changed":    events.MainChangedEvent{},
		"transport-state": events.TransportStateEvent{},
		"bridge-launch":   events.BridgeLaunchEvent{},
		"command-failed":  events.CommandFailedEvent{},
		"capture-grant":   events.CaptureGrantEvent{},
		"device-stats":    events.DeviceStatsEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)
		unsubscribe := events.SubscribeAll(s.eventBus, eventCh)
		defer unsubscribe()

		// Replay current transport states so a new client need not wait for
		// the next transition.
		for _, rec := range s.options.Registry.List() {
			st, ok := s.options.Transports.Status(rec.HardwareID)
			if !ok {
				continue
			}
			if err := send.Data(events.TransportStateEvent{
				HardwareID: st.HardwareID,
				State:      st.State,
				Previous:   st.State,
				Transport:  string(st.Transport),
				Reason:     st.Reason,
				FailCount:  st.FailCount,
				Timestamp:  st.Since.Format(time.RFC3339),
			}); err != nil {
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
