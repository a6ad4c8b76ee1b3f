package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/jtaka1125-beep/mirage/internal/api/models"
	"github.com/jtaka1125-beep/mirage/internal/command"
	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/preview"
	"github.com/jtaka1125-beep/mirage/internal/registry"
	"github.com/jtaka1125-beep/mirage/internal/route"
	"github.com/jtaka1125-beep/mirage/internal/transport"
	"github.com/jtaka1125-beep/mirage/internal/version"
)

// Transports is the transport manager surface the API reads and drives.
type Transports interface {
	Status(hardwareID string) (transport.Status, bool)
	Start(hardwareID string) error
	Stop(hardwareID string) bool
}

// Router is the route controller surface the API drives.
type Router interface {
	HandleSighting(hardwareID, endpoint, model string) error
	SetMain(ctx context.Context, hardwareID string) error
	Send(ctx context.Context, hardwareID string, kind command.Kind, payload []byte) (command.Ack, error)
	CommandEndpoint(hardwareID string) (string, bool)
	Granted(hardwareID string) bool
	Settings() route.Settings
	Apply(s route.Settings) error
	Forget(hardwareID string)
}

// Previewer serves WebRTC previews.
type Previewer interface {
	Offer(ctx context.Context, hardwareID, sdp string) (string, error)
	Peers() []preview.Peer
	ClosePeer(id string) bool
}

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string
	Registry     *registry.Registry
	Transports   Transports
	Router       Router
	// Preview is optional; preview routes are not registered without it.
	Preview Previewer
	// SaveRouting persists settings accepted by PUT /api/routing. Optional.
	SaveRouting       func(route.Settings) error
	Bus               *events.Bus
	PrometheusHandler http.Handler
}

// Server is the huma API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    *Options
	eventBus   *events.Bus
	logger     *slog.Logger
}

// basicAuthMiddleware creates middleware for HTTP basic authentication
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	unauthorized := func(ctx huma.Context, msg string, errs ...error) {
		ctx.SetHeader("WWW-Authenticate", `Basic realm="mirage"`)
		huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		// EventSource cannot set headers, so SSE clients pass ?auth=.
		encoded, ok := strings.CutPrefix(ctx.Header("Authorization"), "Basic ")
		if !ok {
			encoded = ctx.Query("auth")
		}
		if encoded == "" {
			unauthorized(ctx, "Authentication required")
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			unauthorized(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			unauthorized(ctx, "Invalid credentials format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			unauthorized(ctx, "Invalid credentials")
			return
		}
		next(ctx)
	}
}

// NewServer creates the API server using Go 1.22+ native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("mirage API", version.String())
	config.Info.Description = "Per-device Android video and control routing"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		options:  opts,
		eventBus: opts.Bus,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Scrapers do not authenticate.
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener and every open connection, including SSE streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
				Devices: len(s.options.Registry.List()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		v := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   v.Version,
				GitCommit: v.GitCommit,
				BuildDate: v.BuildDate,
				BuildID:   v.BuildID,
				GoVersion: v.GoVersion,
				Compiler:  v.Compiler,
				Platform:  v.Platform,
			},
		}, nil
	})

	s.registerDeviceRoutes()
	s.registerRoutingRoutes()
	s.registerCommandRoutes()
	if s.options.Preview != nil {
		s.registerPreviewRoutes()
	}
	s.registerSSERoutes()
	s.registerLogRoutes()
	s.registerLogLevelRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
