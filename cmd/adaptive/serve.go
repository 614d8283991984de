package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/api"
	"github.com/fxnlabs/adaptive-compute/internal/config"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Initialize the runtime and serve /status, /memory, /metrics and /v1/compute",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Override metrics.listenAddress"},
		},
		Action: func(c *cli.Context) error {
			if addr := c.String("listen"); addr != "" {
				e.cfg.Metrics.ListenAddress = addr
			}
			app := fx.New(serveOptions(e.cfg, e.log))
			if err := app.Start(c.Context); err != nil {
				return err
			}
			<-app.Done()

			ctx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(ctx)
		},
	}
}

func serveOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newEngine,
			newMux,
			newServer,
		),
		fx.Invoke(func(*http.Server) {}),
	)
}

func newEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *compute.Engine {
	engine := compute.New(cfg, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// a failed init keeps the server up so /status can report it
			if err := engine.Init(ctx); err != nil {
				log.Error("runtime init failed", zap.Error(err))
			}
			return nil
		},
		OnStop: engine.Destroy,
	})
	return engine
}

func newMux(engine *compute.Engine, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", metrics.Middleware(statusHandler(engine, log), "/status"))
	mux.Handle("/memory", metrics.Middleware(memoryHandler(engine, log), "/memory"))
	mux.Handle("/v1/compute", metrics.Middleware(api.Handler(engine, log), "/v1/compute"))
	return mux
}

func statusHandler(engine *compute.Engine, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := engine.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Ready || !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := writeJSON(w, status); err != nil {
			log.Warn("write status response", zap.Error(err))
		}
	})
}

func memoryHandler(engine *compute.Engine, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, engine.MemoryStats()); err != nil {
			log.Warn("write memory response", zap.Error(err))
		}
	})
}

func newServer(lc fx.Lifecycle, cfg *config.Config, mux *http.ServeMux, log *zap.Logger) *http.Server {
	srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving status and metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
	return srv
}
