package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jtaka1125-beep/mirage/internal/api/models"
	"github.com/jtaka1125-beep/mirage/internal/preview"
)

type previewOfferInput struct {
	HardwareID string `path:"hardware_id" doc:"Hardware identity" example:"A9-001"`
	Body       models.PreviewOfferBody
}

type previewPeerInput struct {
	PeerID string `path:"peer_id" doc:"Preview peer id"`
}

func (s *Server) registerPreviewRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "preview-offer",
		Method:      http.MethodPost,
		Path:        "/api/devices/{hardware_id}/preview",
		Summary:     "Preview Offer",
		Description: "Exchange a WebRTC offer for an answer carrying the device's H.264 video",
		Tags:        []string{"preview"},
		Errors:      []int{400, 401, 404, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, input *previewOfferInput) (*models.PreviewAnswerResponse, error) {
		if _, err := s.lookup(input.HardwareID); err != nil {
			return nil, err
		}
		answer, err := s.options.Preview.Offer(ctx, input.HardwareID, input.Body.SDP)
		if err != nil {
			if errors.Is(err, preview.ErrClosed) {
				return nil, huma.Error503ServiceUnavailable("preview is shut down")
			}
			return nil, huma.Error400BadRequest("offer rejected", err)
		}
		return &models.PreviewAnswerResponse{Body: models.PreviewAnswerData{SDP: answer}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-preview-peers",
		Method:      http.MethodGet,
		Path:        "/api/preview/peers",
		Summary:     "List Preview Viewers",
		Tags:        []string{"preview"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.PreviewPeersResponse, error) {
		return &models.PreviewPeersResponse{Body: models.PreviewPeersData{Peers: s.options.Preview.Peers()}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "close-preview-peer",
		Method:        http.MethodDelete,
		Path:          "/api/preview/peers/{peer_id}",
		Summary:       "Close Preview Viewer",
		Tags:          []string{"preview"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404},
		Security:      withAuth(),
	}, func(_ context.Context, input *previewPeerInput) (*struct{}, error) {
		if !s.options.Preview.ClosePeer(input.PeerID) {
			return nil, huma.Error404NotFound("peer not found: " + input.PeerID)
		}
		return nil, nil
	})
}
