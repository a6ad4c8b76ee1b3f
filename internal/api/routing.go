package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jtaka1125-beep/mirage/internal/api/models"
	"github.com/jtaka1125-beep/mirage/internal/route"
)

type routingInput struct {
	Body route.Settings
}

func (s *Server) registerRoutingRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-routing",
		Method:      http.MethodGet,
		Path:        "/api/routing",
		Summary:     "Get Routing Settings",
		Description: "Transport priority, main device and capture settings",
		Tags:        []string{"routing"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.RoutingResponse, error) {
		return &models.RoutingResponse{Body: s.options.Router.Settings()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-routing",
		Method:      http.MethodPut,
		Path:        "/api/routing",
		Summary:     "Update Routing Settings",
		Description: "Replace the routing settings. A priority change re-runs transport selection on attached devices.",
		Tags:        []string{"routing"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *routingInput) (*models.RoutingResponse, error) {
		if err := s.options.Router.Apply(input.Body); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		if s.options.SaveRouting != nil {
			if err := s.options.SaveRouting(input.Body); err != nil {
				return nil, huma.Error500InternalServerError("settings applied but not saved", err)
			}
		}
		return &models.RoutingResponse{Body: s.options.Router.Settings()}, nil
	})
}
