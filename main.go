package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/jtaka1125-beep/mirage/cmd"
	"github.com/jtaka1125-beep/mirage/internal/adb"
	"github.com/jtaka1125-beep/mirage/internal/aoa"
	"github.com/jtaka1125-beep/mirage/internal/api"
	"github.com/jtaka1125-beep/mirage/internal/bridge"
	"github.com/jtaka1125-beep/mirage/internal/command"
	"github.com/jtaka1125-beep/mirage/internal/config"
	"github.com/jtaka1125-beep/mirage/internal/discovery"
	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/metrics/exporters"
	"github.com/jtaka1125-beep/mirage/internal/nal"
	"github.com/jtaka1125-beep/mirage/internal/preview"
	"github.com/jtaka1125-beep/mirage/internal/registry"
	"github.com/jtaka1125-beep/mirage/internal/route"
	"github.com/jtaka1125-beep/mirage/internal/systemd"
	"github.com/jtaka1125-beep/mirage/internal/transport"
	"github.com/jtaka1125-beep/mirage/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Listen string `help:"Address to listen on" short:"p" default:":8091" toml:"server.listen" env:"SERVER_LISTEN"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Device settings
	ADBPath        string `help:"adb command line" default:"adb" toml:"adb.path" env:"ADB_PATH"`
	DevicesFile    string `help:"Device registry file" default:"devices.toml" toml:"registry.file" env:"REGISTRY_FILE"`
	RoutingFile    string `help:"Routing policy file (hot reloaded)" default:"routing.toml" toml:"routing.file" env:"ROUTING_FILE"`
	BaseVideoPort  int    `help:"First video port handed to devices" default:"27200" toml:"registry.base_video_port" env:"REGISTRY_BASE_VIDEO_PORT"`
	BaseBridgePort int    `help:"First helper bridge port handed to devices" default:"27183" toml:"registry.base_bridge_port" env:"REGISTRY_BASE_BRIDGE_PORT"`
	StaleAfter     string `help:"Prune endpoints of devices unseen for this long" default:"24h" toml:"registry.stale_after" env:"REGISTRY_STALE_AFTER"`

	// Discovery settings
	DiscoveryInterval string `help:"adb poll interval" default:"2s" toml:"discovery.interval" env:"DISCOVERY_INTERVAL"`
	DiscoveryMDNS     bool   `help:"Browse for wireless debugging announcements" default:"true" toml:"discovery.mdns" env:"DISCOVERY_MDNS"`

	// Transport settings
	TransportReadTimeout   string `help:"Socket read timeout" default:"250ms" toml:"transport.read_timeout" env:"TRANSPORT_READ_TIMEOUT"`
	TransportNoDataTimeout string `help:"No-data window before a transport fails" default:"3s" toml:"transport.no_data_timeout" env:"TRANSPORT_NO_DATA_TIMEOUT"`
	TransportEscalateAfter int    `help:"Consecutive failures before launching the capture helper" default:"2" toml:"transport.escalate_after" env:"TRANSPORT_ESCALATE_AFTER"`

	// USB accessory settings
	USBAccessory bool `help:"Open USB attached devices as accessories" default:"true" toml:"usb.accessory" env:"USB_ACCESSORY"`

	// Command settings
	CommandPort       int    `help:"Companion app command port on the device" default:"27184" toml:"command.port" env:"COMMAND_PORT"`
	CommandAckTimeout string `help:"Acknowledgement timeout" default:"500ms" toml:"command.ack_timeout" env:"COMMAND_ACK_TIMEOUT"`
	CommandRetries    int    `help:"Resends after an ack timeout" default:"3" toml:"command.retries" env:"COMMAND_RETRIES"`

	// Bridge settings
	BridgeServerPath string `help:"Local capture helper artifact" default:"scrcpy-server" toml:"bridge.server_path" env:"BRIDGE_SERVER_PATH"`
	BridgeVersion    string `help:"Capture helper version" default:"2.4" toml:"bridge.version" env:"BRIDGE_VERSION"`
	BridgeRelayUDP   bool   `help:"Relay helper video through loopback UDP" default:"false" toml:"bridge.relay_udp" env:"BRIDGE_RELAY_UDP"`

	// Preview settings
	PreviewEnabled    bool   `help:"Enable WebRTC preview" default:"true" toml:"preview.enabled" env:"PREVIEW_ENABLED"`
	PreviewICEServers string `help:"Comma separated ICE server URLs" default:"" toml:"preview.ice_servers" env:"PREVIEW_ICE_SERVERS"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

// commandDialer reaches the companion app over an adb forward, which works
// the same for USB and Wi-Fi endpoints.
func commandDialer(client *adb.Client, port int) route.CommandDialer {
	remote := "tcp:" + strconv.Itoa(port)
	return func(ctx context.Context, rec registry.Record) (io.ReadWriteCloser, string, error) {
		serial := rec.USB
		if serial == "" && len(rec.WiFi) > 0 {
			serial = rec.WiFi[0]
		}
		if serial == "" {
			return nil, "", fmt.Errorf("%s: no adb endpoint", rec.HardwareID)
		}
		conn, err := client.DialForward(ctx, serial, remote)
		if err != nil {
			return nil, "", err
		}
		return conn, serial + "/" + remote, nil
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")
		logger.Info("Starting", "version", version.Get().Banner())

		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        entry.Seq,
				Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		adbClient, err := adb.New(opts.ADBPath, logging.GetLogger("adb"))
		if err != nil {
			logger.Error("Invalid adb path", "error", err)
			os.Exit(1)
		}

		reg, err := registry.New(registry.Options{
			BaseVideoPort:  opts.BaseVideoPort,
			BaseBridgePort: opts.BaseBridgePort,
			Store:          registry.NewTOML(opts.DevicesFile),
			Bus:            eventBus,
			Logger:         logging.GetLogger("registry"),
		})
		if err != nil {
			logger.Error("Failed to load device registry", "file", opts.DevicesFile, "error", err)
			os.Exit(1)
		}

		settings, err := config.LoadRouting(opts.RoutingFile)
		if err != nil {
			logger.Warn("Invalid routing file, using defaults", "file", opts.RoutingFile, "error", err)
			settings = route.DefaultSettings()
		}

		hub := command.NewHub(command.Options{
			AckTimeout: parseDuration(logger, "command.ack_timeout", opts.CommandAckTimeout, 500*time.Millisecond),
			MaxRetries: opts.CommandRetries,
			Logger:     logging.GetLogger("command"),
		})

		controller, err := route.New(route.Options{
			Registry: reg,
			Hub:      hub,
			Settings: settings,
			Dial:     commandDialer(adbClient, opts.CommandPort),
			Bus:      eventBus,
			Logger:   logging.GetLogger("route"),
		})
		if err != nil {
			logger.Error("Failed to create route controller", "error", err)
			os.Exit(1)
		}

		var sink transport.Sink = transport.SinkFunc(func(string, nal.Unit) {})
		var previewSink *preview.Preview
		if opts.PreviewEnabled {
			previewSink = preview.New(preview.Options{
				ICEServers: splitList(opts.PreviewICEServers),
				Requester:  controller,
				Logger:     logging.GetLogger("preview"),
			})
			sink = previewSink
		}

		bridgeConfig := bridge.DefaultConfig()
		bridgeConfig.ServerPath = opts.BridgeServerPath
		bridgeConfig.Version = opts.BridgeVersion
		bridgeConfig.MaxFPS = settings.MaxFPS
		bridgeConfig.BitRate = settings.Bitrate
		bridgeConfig.MaxSize = settings.MaxSize
		launcher := bridge.New(adbClient, bridge.Options{
			Config: bridgeConfig,
			Bus:    eventBus,
			Logger: logging.GetLogger("bridge"),
		})

		transportConfig := transport.DefaultConfig()
		transportConfig.ReadTimeout = parseDuration(logger, "transport.read_timeout", opts.TransportReadTimeout, transportConfig.ReadTimeout)
		transportConfig.NoDataTimeout = parseDuration(logger, "transport.no_data_timeout", opts.TransportNoDataTimeout, transportConfig.NoDataTimeout)
		if opts.TransportEscalateAfter > 0 {
			transportConfig.EscalateAfter = opts.TransportEscalateAfter
		}

		var (
			usbHost     *aoa.USBHost
			usbProvider transport.AccessoryProvider
		)
		if opts.USBAccessory {
			if h, usbErr := aoa.NewUSBHost(); usbErr != nil {
				logger.Warn("USB accessory transport disabled", "error", usbErr)
			} else {
				usbHost = h
				usbProvider = aoa.NewProvider(h, aoa.Options{Logger: logging.GetLogger("aoa")})
			}
		}

		manager, err := transport.NewManager(transport.Options{
			Config: transportConfig,
			Policy: controller,
			Openers: []transport.Opener{
				&transport.USBOpener{Provider: usbProvider},
				&transport.TCPOpener{},
				&transport.UDPOpener{},
			},
			Bridge:    &transport.BridgeOpener{Launcher: launcher, RelayUDP: opts.BridgeRelayUDP},
			Lifecycle: controller,
			Sink:      sink,
			Bus:       eventBus,
			Logger:    logging.GetLogger("transport"),
		})
		if err != nil {
			logger.Error("Failed to create transport manager", "error", err)
			os.Exit(1)
		}
		controller.SetTransports(manager)

		// Helper video limits follow the routing file.
		routingWatcher := config.NewConfigWatcher(opts.RoutingFile, config.LoadRouting, logging.GetLogger("config"),
			config.WithErrorHandler[route.Settings](func(err error) {
				logger.Warn("Routing reload rejected", "file", opts.RoutingFile, "error", err)
			}))
		routingWatcher.OnReload(func(s route.Settings) {
			if applyErr := controller.Apply(s); applyErr != nil {
				logger.Warn("Failed to apply routing settings", "error", applyErr)
				return
			}
			cfg := bridgeConfig
			cfg.MaxFPS, cfg.BitRate, cfg.MaxSize = s.MaxFPS, s.Bitrate, s.MaxSize
			launcher.SetConfig(cfg)
		})

		poller := discovery.NewADBPoller(adbClient, controller, discovery.PollerOptions{
			Interval: parseDuration(logger, "discovery.interval", opts.DiscoveryInterval, 2*time.Second),
			Gone:     controller.EndpointGone,
			Logger:   logging.GetLogger("discovery"),
		})
		var browser *discovery.MDNSBrowser
		if opts.DiscoveryMDNS {
			browser = discovery.NewMDNSBrowser(controller, discovery.MDNSOptions{
				Connector: adbClient,
				Logger:    logging.GetLogger("discovery"),
			})
		}

		statsExporter := exporters.NewStatsExporter(manager, eventBus)
		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
		staleAfter := parseDuration(logger, "registry.stale_after", opts.StaleAfter, 24*time.Hour)

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Registry:     reg,
			Transports:   manager,
			Router:       controller,
			SaveRouting: func(s route.Settings) error {
				return config.SaveRouting(opts.RoutingFile, s)
			},
			Bus:               eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
		}
		if previewSink != nil {
			apiOpts.Preview = previewSink
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		run := func(name string, fn func(context.Context) error) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if runErr := fn(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
					logger.Error("Background task stopped", "task", name, "error", runErr)
				}
			}()
		}

		hooks.OnStart(func() {
			metrics.SetDevices(len(reg.List()))

			if startErr := routingWatcher.Start(); startErr != nil {
				logger.Warn("Routing file is not watched", "file", opts.RoutingFile, "error", startErr)
			}
			statsExporter.Start(ctx)

			run("adb-poller", poller.Run)
			if browser != nil {
				run("mdns", browser.Run)
			}
			run("prune", func(ctx context.Context) error {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						if pruned := reg.PruneStale(staleAfter); len(pruned) > 0 {
							logger.Info("Pruned stale endpoints", "devices", pruned)
						}
					}
				}
			})

			run("watchdog", notifier.RunWatchdog)
			notifier.Ready()

			logger.Info("Starting HTTP server", "listen", opts.Listen)
			if startErr := server.Start(opts.Listen); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			// Discovery first so nothing re-attaches during teardown.
			cancel()
			wg.Wait()
			statsExporter.Stop()
			if stopErr := routingWatcher.Stop(); stopErr != nil {
				logger.Warn("Error stopping routing watcher", "error", stopErr)
			}

			manager.StopAll()
			if usbHost != nil {
				usbHost.Close()
			}
			controller.Close()
			hub.Close()
			if previewSink != nil {
				previewSink.Close()
			}
			logging.SetLogCallback(nil)
		})
	})

	cli.Root().Use = "mirage"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateDevicesCmd())
	cli.Root().AddCommand(cmd.CreateBridgeCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	// Run the CLI
	cli.Run()
}
