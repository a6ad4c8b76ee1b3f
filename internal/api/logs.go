package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
)

// registerLogRoutes registers the log streaming SSE endpoint.
func (s *Server) registerLogRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends buffered history first, optionally filtered by module and limited to the newest entries.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *logStreamInput, send sse.Sender) {
		// Subscribe before replaying so nothing logged in between is lost.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		var replayed uint64
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.Tail(input.Limit, func(e logging.LogEntry) bool { return input.matches(e.Module) }) {
				if err := send.Data(logEvent(entry)); err != nil {
					return
				}
				replayed = entry.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				e, ok := event.(events.LogEntryEvent)
				if !ok || !input.matches(e.Module) {
					continue
				}
				// Already sent during replay.
				if e.Seq != 0 && e.Seq <= replayed {
					continue
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

type logLevelsResponse struct {
	Body struct {
		Levels    map[string]string `json:"levels" doc:"Effective level of every module with a logger"`
		Overrides map[string]string `json:"overrides" doc:"Configured per-module overrides"`
	}
}

type logLevelInput struct {
	Module string `path:"module" doc:"Logger module" example:"transport"`
	Body   struct {
		Level string `json:"level" enum:"debug,info,warn,error," doc:"New level; empty drops the override"`
	}
}

func (s *Server) registerLogLevelRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-log-levels",
		Method:      http.MethodGet,
		Path:        "/api/logs/levels",
		Summary:     "Log Levels",
		Tags:        []string{"logs"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*logLevelsResponse, error) {
		return s.logLevels(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-level",
		Method:      http.MethodPut,
		Path:        "/api/logs/levels/{module}",
		Summary:     "Set Module Log Level",
		Description: "Change one module's log level until restart",
		Tags:        []string{"logs"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *logLevelInput) (*logLevelsResponse, error) {
		if err := logging.SetModuleLevel(input.Module, input.Body.Level); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		s.logger.Info("Log level changed", "target_module", input.Module, "level", input.Body.Level)
		return s.logLevels(), nil
	})
}

func (s *Server) logLevels() *logLevelsResponse {
	resp := &logLevelsResponse{}
	resp.Body.Levels = logging.Levels()
	resp.Body.Overrides = logging.Overrides()
	if resp.Body.Overrides == nil {
		resp.Body.Overrides = map[string]string{}
	}
	return resp
}

type logStreamInput struct {
	Module string `query:"module" doc:"Only stream entries from this module" example:"transport"`
	Limit  int    `query:"limit" minimum:"0" doc:"Replay at most this many buffered entries; 0 replays all" example:"200"`
}

func (in *logStreamInput) matches(module string) bool {
	return in.Module == "" || in.Module == module
}

func logEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}
