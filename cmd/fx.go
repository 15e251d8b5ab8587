package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"

	"github.com/webitel/ioc-runtime/config"
	"github.com/webitel/ioc-runtime/internal/bridge"
	"github.com/webitel/ioc-runtime/internal/introspect"
	"github.com/webitel/ioc-runtime/ioc"
)

// ProvideLogger builds the process-wide slog.Logger from cfg.LogLevel.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// ProvideRuntime constructs the IOC Runtime from cfg's capability and
// transport sections.
func ProvideRuntime(logger *slog.Logger, cfg *config.Config) (*ioc.Runtime, error) {
	rcfg := ioc.DefaultConfig()
	rcfg.EvtQueueDepth = cfg.Capability.DepthEvtDescQueue
	rcfg.MaxEvtConsumer = cfg.Capability.MaxEvtConsumer
	rcfg.DatLimits.MaxDataQueueSize = cfg.Capability.MaxDataQueueSize
	rcfg.DatLimits.MaxDataChunkSize = cfg.Capability.MaxDataChunkSize
	rcfg.FifoSpoolDir = cfg.Transport.FifoSpoolDir
	rcfg.TcpPortLow = cfg.Transport.TcpPortLow
	rcfg.TcpPortHigh = cfg.Transport.TcpPortHigh

	return ioc.New(logger, rcfg)
}

// ProvideBridge builds the optional EVT export bridge and wires it into the
// runtime when BridgeConfig.Enabled is set; otherwise returns a nil bridge
// (a valid no-op evt.Exporter once wired).
func ProvideBridge(logger *slog.Logger, cfg *config.Config, rt *ioc.Runtime) (*bridge.Bridge, error) {
	if !cfg.Bridge.Enabled {
		return nil, nil
	}
	b, err := bridge.New(logger, cfg.Bridge.AMQPURI, cfg.Bridge.Exchange)
	if err != nil {
		return nil, err
	}
	rt.SetExporter(b)
	return b, nil
}

// ProvideIntrospectServer builds the read-only ops HTTP+WS server bound to
// the runtime's link/capability state.
func ProvideIntrospectServer(logger *slog.Logger, rt *ioc.Runtime) *introspect.Server {
	srv := introspect.NewServer(logger, rt)
	rt.SetStateObserver(srv)
	return srv
}

// NewApp wires the full process lifecycle: config, logger, runtime, and the
// two optional ambient surfaces (bridge, introspection).
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideRuntime,
			ProvideBridge,
			ProvideIntrospectServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle starts the introspection HTTP server (if enabled) on
// OnStart and tears the runtime down on OnStop.
func registerLifecycle(lc fx.Lifecycle, logger *slog.Logger, cfg *config.Config, rt *ioc.Runtime, srv *introspect.Server, b *bridge.Bridge) {
	var httpSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Introspect.Enabled {
				return nil
			}
			httpSrv = &http.Server{Addr: cfg.Introspect.Addr, Handler: srv}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("introspect server stopped", slog.Any("err", err))
				}
			}()
			logger.Info("introspect server listening", slog.String("addr", cfg.Introspect.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if httpSrv != nil {
				_ = httpSrv.Shutdown(ctx)
			}
			if b != nil {
				_ = b.Close()
			}
			rt.Shutdown()
			return nil
		},
	})
}
