package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jtaka1125-beep/mirage/internal/api/models"
	"github.com/jtaka1125-beep/mirage/internal/command"
)

type commandInput struct {
	HardwareID string `path:"hardware_id" doc:"Hardware identity" example:"A9-001"`
	Body       models.CommandBody
}

func (s *Server) registerCommandRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "send-command",
		Method:      http.MethodPost,
		Path:        "/api/devices/{hardware_id}/commands",
		Summary:     "Send Command",
		Description: "Deliver one control command through the device's current command endpoint and wait for its acknowledgement",
		Tags:        []string{"commands"},
		Errors:      []int{400, 401, 404, 409, 422, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *commandInput) (*models.CommandResponse, error) {
		if _, err := s.lookup(input.HardwareID); err != nil {
			return nil, err
		}
		kind, payload, err := encodeCommand(input.Body)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}

		ack, err := s.options.Router.Send(ctx, input.HardwareID, kind, payload)
		if err != nil {
			return nil, mapCommandError(err)
		}
		endpoint, _ := s.options.Router.CommandEndpoint(input.HardwareID)
		return &models.CommandResponse{
			Body: models.CommandData{
				Seq:      ack.Seq,
				Status:   ack.Status.String(),
				Endpoint: endpoint,
			},
		}, nil
	})
}

// encodeCommand turns a request body into a wire kind and payload.
func encodeCommand(b models.CommandBody) (command.Kind, []byte, error) {
	switch b.Type {
	case "ping":
		return command.KindPing, nil, nil
	case "reset_video":
		return command.KindResetVideo, nil, nil
	case "touch":
		var action command.TouchAction
		switch b.Action {
		case "down":
			action = command.TouchDown
		case "up":
			action = command.TouchUp
		case "move":
			action = command.TouchMove
		default:
			return 0, nil, errors.New("touch needs action down, up or move")
		}
		return command.KindTouch, command.Touch(action, b.Pointer, b.X, b.Y), nil
	case "key":
		var action command.KeyAction
		switch b.Action {
		case "down":
			action = command.KeyDown
		case "up":
			action = command.KeyUp
		case "press", "":
			action = command.KeyPress
		default:
			return 0, nil, errors.New("key needs action down, up or press")
		}
		return command.KindKey, command.Key(action, b.Keycode, b.Meta), nil
	case "swipe":
		return command.KindSwipe, command.Swipe(b.X, b.Y, b.X2, b.Y2, b.Duration), nil
	case "long_press":
		return command.KindLongPress, command.LongPress(b.X, b.Y, b.Duration), nil
	case "text":
		if b.Text == "" {
			return 0, nil, errors.New("text must not be empty")
		}
		return command.KindText, command.Text(b.Text), nil
	default:
		return 0, nil, errors.New("unknown command type: " + b.Type)
	}
}

func mapCommandError(err error) error {
	switch {
	case errors.Is(err, command.ErrNoChannel):
		return huma.Error503ServiceUnavailable("device has no command endpoint")
	case errors.Is(err, command.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout("device did not acknowledge the command")
	case errors.Is(err, command.ErrClosed):
		return huma.Error503ServiceUnavailable("command endpoint closed")
	case command.IsStatus(err, command.StatusNotFound):
		return huma.Error404NotFound(err.Error())
	case command.IsStatus(err, command.StatusInvalidPayload), command.IsStatus(err, command.StatusUnknownCommand):
		return huma.Error422UnprocessableEntity(err.Error())
	case command.IsStatus(err, command.StatusBusy):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("command failed", err)
	}
}
