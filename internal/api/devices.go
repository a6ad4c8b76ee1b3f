package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jtaka1125-beep/mirage/internal/api/models"
	"github.com/jtaka1125-beep/mirage/internal/registry"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

type deviceInput struct {
	HardwareID string `path:"hardware_id" doc:"Hardware identity" example:"A9-001"`
}

type deviceNameInput struct {
	HardwareID string `path:"hardware_id" doc:"Hardware identity" example:"A9-001"`
	Body       models.DeviceNameBody
}

type sightingInput struct {
	Body models.SightingBody
}

// registerDeviceRoutes registers the device registry endpoints
func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List Devices",
		Description: "List every known device with its endpoints and live transport state",
		Tags:        []string{"devices"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.DeviceListResponse, error) {
		records := s.options.Registry.List()
		devices := make([]models.DeviceInfo, len(records))
		for i, rec := range records {
			devices[i] = s.deviceInfo(rec)
		}
		return &models.DeviceListResponse{
			Body: models.DeviceListData{
				Devices: devices,
				Count:   len(devices),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/api/devices/{hardware_id}",
		Summary:     "Get Device",
		Description: "Get one device by hardware identity",
		Tags:        []string{"devices"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *deviceInput) (*models.DeviceResponse, error) {
		rec, err := s.lookup(input.HardwareID)
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "register-sighting",
		Method:        http.MethodPost,
		Path:          "/api/devices",
		Summary:       "Register Sighting",
		Description:   "Report a device endpoint by hand, as discovery would",
		Tags:          []string{"devices"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 409},
		Security:      withAuth(),
	}, func(_ context.Context, input *sightingInput) (*models.DeviceResponse, error) {
		body := input.Body
		if err := s.options.Router.HandleSighting(body.HardwareID, body.Endpoint, body.Model); err != nil {
			return nil, mapRegistryError(err)
		}
		rec, err := s.lookup(body.HardwareID)
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "rename-device",
		Method:      http.MethodPut,
		Path:        "/api/devices/{hardware_id}/name",
		Summary:     "Rename Device",
		Description: "Set the human-readable display name",
		Tags:        []string{"devices"},
		Errors:      []int{400, 401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *deviceNameInput) (*models.DeviceResponse, error) {
		if err := s.options.Registry.SetDisplayName(input.HardwareID, input.Body.DisplayName); err != nil {
			return nil, mapRegistryError(err)
		}
		rec, err := s.lookup(input.HardwareID)
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "attach-device",
		Method:      http.MethodPost,
		Path:        "/api/devices/{hardware_id}/attach",
		Summary:     "Attach Device",
		Description: "Start the device's video transport worker",
		Tags:        []string{"devices"},
		Errors:      []int{401, 404, 503},
		Security:    withAuth(),
	}, func(_ context.Context, input *deviceInput) (*models.DeviceResponse, error) {
		rec, err := s.lookup(input.HardwareID)
		if err != nil {
			return nil, err
		}
		if err := s.options.Transports.Start(rec.HardwareID); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil, huma.Error503ServiceUnavailable("transport manager is shutting down")
			}
			return nil, huma.Error500InternalServerError("failed to start transport", err)
		}
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "detach-device",
		Method:      http.MethodPost,
		Path:        "/api/devices/{hardware_id}/detach",
		Summary:     "Detach Device",
		Description: "Stop the device's video transport worker and keep its registry record",
		Tags:        []string{"devices"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, input *deviceInput) (*models.DeviceResponse, error) {
		rec, err := s.lookup(input.HardwareID)
		if err != nil {
			return nil, err
		}
		s.options.Transports.Stop(rec.HardwareID)
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "forget-device",
		Method:        http.MethodDelete,
		Path:          "/api/devices/{hardware_id}",
		Summary:       "Forget Device",
		Description:   "Stop the device's pipeline and clear its endpoints. Identity and assigned ports are kept.",
		Tags:          []string{"devices"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404},
		Security:      withAuth(),
	}, func(_ context.Context, input *deviceInput) (*struct{}, error) {
		if _, err := s.lookup(input.HardwareID); err != nil {
			return nil, err
		}
		s.options.Router.Forget(input.HardwareID)
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-main-device",
		Method:      http.MethodPost,
		Path:        "/api/devices/{hardware_id}/main",
		Summary:     "Set Main Device",
		Description: "Designate the main device and push the capture settings to it",
		Tags:        []string{"devices"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *deviceInput) (*models.DeviceResponse, error) {
		if err := s.options.Router.SetMain(ctx, input.HardwareID); err != nil {
			return nil, mapRegistryError(err)
		}
		rec, err := s.lookup(input.HardwareID)
		if err != nil {
			return nil, err
		}
		return &models.DeviceResponse{Body: s.deviceInfo(rec)}, nil
	})
}

func (s *Server) lookup(hardwareID string) (registry.Record, error) {
	rec, ok := s.options.Registry.Get(hardwareID)
	if !ok {
		return registry.Record{}, huma.Error404NotFound("device not found: " + hardwareID)
	}
	return rec, nil
}

// deviceInfo joins a registry record with the live routing state.
func (s *Server) deviceInfo(rec registry.Record) models.DeviceInfo {
	info := models.DeviceInfo{
		HardwareID:  rec.HardwareID,
		DisplayName: rec.DisplayName,
		Model:       rec.Model,
		USB:         rec.USB,
		WiFi:        rec.WiFi,
		VideoPort:   rec.VideoPort,
		BridgePort:  rec.BridgePort,
		Main:        rec.Main,
	}
	if !rec.LastSeen.IsZero() {
		info.LastSeen = rec.LastSeen.Format(time.RFC3339)
	}
	if st, ok := s.options.Transports.Status(rec.HardwareID); ok {
		info.Transport = &st
	}
	if ep, ok := s.options.Router.CommandEndpoint(rec.HardwareID); ok {
		info.CommandEndpoint = ep
	}
	info.CaptureGranted = s.options.Router.Granted(rec.HardwareID)
	return info
}

func mapRegistryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrUnknownDevice):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, registry.ErrEmptyID), errors.Is(err, registry.ErrEmptyEndpoint):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, registry.ErrPortsExhausted):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("registry operation failed", err)
	}
}
