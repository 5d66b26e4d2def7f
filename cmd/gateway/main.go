// Command gateway is the admission-control reverse proxy that sits in front
// of the chat API. It evaluates every request against per-tier sliding
// window limits, lets emergencies through, and forwards admitted requests
// upstream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	hhttp "admission-gateway/internal/handler/http"
	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/internal/handler/http/middleware"
	"admission-gateway/internal/infra/scheduler"
	"admission-gateway/internal/observability/logging"
	"admission-gateway/internal/observability/tracing"
	"admission-gateway/pkg/config"
)

// syncResubscribeDelay spaces policy sync resubscription attempts.
const syncResubscribeDelay = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("gateway stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func getVersion() string {
	version := os.Getenv("VERSION")
	if version == "" {
		version = "dev"
	}
	return version
}

func run() error {
	gw, err := config.LoadGatewayConfig()
	if err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}

	logger := logging.NewLogger(gw.LogLevel)
	slog.SetDefault(logger)

	adm, err := config.LoadAdmissionConfig()
	if err != nil {
		return fmt.Errorf("admission config: %w", err)
	}

	shutdownTracing := tracing.Setup(tracing.Config{Version: getVersion()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := buildCore(ctx, gw, adm)
	if err != nil {
		return err
	}
	defer core.Close()

	proxyCfg, err := middleware.NewTrustedProxyConfig(gw.TrustProxy, gw.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	if proxyCfg.Enabled {
		logger.Info("trusted proxy mode enabled", slog.Int("trusted_proxies_count", len(proxyCfg.AllowedCIDRs)))
	} else {
		logger.Info("using RemoteAddr for client IPs, proxy headers ignored")
	}
	verifier := auth.NewVerifier(gw.JWTSecret)

	obs := newObservability(core.Registry.HasEndpoint)
	ready := &hhttp.ReadyHandler{}

	sched := scheduler.New(adm.BusinessHours.Location, scheduler.NewJobMetrics(obs.Registry))
	if err := addJobs(sched, gw, adm, core, obs); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              gw.HTTPAddr,
		Handler:           newHTTPHandler(logger, gw, adm, core, obs, ready, verifier, middleware.NewIPExtractor(proxyCfg)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server starting",
			slog.String("addr", gw.HTTPAddr),
			slog.String("upstream", gw.UpstreamURL.String()),
			slog.String("version", getVersion()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if gw.GRPCAddr != "" {
		grpcSrv, grpcHealth := newGRPCServer(gw, core, verifier)
		lis, err := net.Listen("tcp", gw.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc server starting", slog.String("addr", gw.GRPCAddr))
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcHealth.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	if core.Syncer != nil {
		g.Go(func() error {
			// Instances keep serving with their own state while redis is away.
			for {
				err := core.Syncer.Run(gctx, core.Control, nil)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					logger.Warn("policy sync interrupted, resubscribing",
						slog.Duration("retry_in", syncResubscribeDelay),
						slog.String("error", err.Error()))
				}
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(syncResubscribeDelay):
				}
			}
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading policies")
				_ = core.reload(gctx)
			}
		}
	})

	sched.Start()
	ready.SetReady(true)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gateway...")
		ready.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), gw.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", slog.Any("error", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown failed", slog.Any("error", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", slog.Any("error", err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("gateway stopped")
	return err
}

// addJobs registers the background jobs. Window cleanup only applies to the
// in-process store; redis expires idle keys itself.
func addJobs(s *scheduler.Scheduler, gw *config.GatewayConfig, adm *config.AdmissionConfig, core *Core, obs *Observability) error {
	jobs := []scheduler.Job{
		scheduler.LoadSampleJob(adm.LoadSampleSchedule, core.Load),
		scheduler.SLOUpdateJob("@every 1m", obs.SLO),
	}
	if core.Memory != nil {
		jobs = append(jobs, scheduler.CleanupJob(adm.CleanupSchedule, core.Memory, core.Metrics, nil))
	}
	if adm.PolicyFile != "" {
		jobs = append(jobs, scheduler.PolicyReloadJob(adm.PolicyReloadSchedule, core.reload))
	}
	if core.AuditRepo != nil {
		jobs = append(jobs, scheduler.AuditPruneJob(gw.AuditPruneSchedule, core.AuditRepo, gw.AuditRetention))
	}

	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return nil
}
