package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	hhttp "admission-gateway/internal/handler/http"
	"admission-gateway/internal/handler/http/auth"
	"admission-gateway/internal/handler/http/middleware"
	"admission-gateway/internal/handler/http/pathutil"
	"admission-gateway/internal/handler/http/requestid"
	"admission-gateway/internal/handler/http/respond"
	igrpc "admission-gateway/internal/interface/grpc"
	"admission-gateway/internal/observability/slo"
	"admission-gateway/internal/observability/tracing"
	"admission-gateway/pkg/config"
)

// Observability holds the registries and trackers served on /metrics.
type Observability struct {
	Registry *prometheus.Registry
	HTTP     *hhttp.HTTPMetrics
	SLO      *slo.Tracker
}

// localPaths are served by the gateway itself rather than proxied.
var localPaths = append([]string{"/health", "/ready", "/live", "/metrics"}, hhttp.AdminPaths...)

// newObservability labels HTTP metrics by local route or by a configured
// endpoint override pattern. known is consulted per request, so patterns
// added by a policy reload become labels without a restart.
func newObservability(known func(pattern string) bool) *Observability {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Observability{
		Registry: reg,
		HTTP:     hhttp.NewHTTPMetrics(reg, hhttp.WithPathLabel(pathutil.NewVocabulary(known, localPaths...).Label)),
		SLO:      slo.NewTracker(reg, slo.DefaultWindow, slo.DefaultCapacity),
	}
}

// newProxy forwards admitted requests to upstream and continues the trace.
func newProxy(upstream *url.URL, obs *Observability) *httputil.ReverseProxy {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Host = upstream.Host
			tracing.InjectHeaders(pr.Out)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			reason := "error"
			var netErr net.Error
			switch {
			case errors.Is(err, context.Canceled):
				reason = "canceled"
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = "timeout"
			}
			obs.HTTP.RecordUpstreamError(reason)

			slog.Warn("upstream request failed",
				slog.String("request_id", requestid.FromContext(r.Context())),
				slog.String("path", r.URL.Path),
				slog.String("reason", reason),
				slog.String("error", err.Error()))
			if reason == "canceled" {
				return
			}
			respond.JSON(w, http.StatusBadGateway, map[string]string{"error": "bad gateway"})
		},
	}
}

// newHTTPHandler builds the gateway's HTTP routes. Probes, metrics and the
// admin API are served locally; everything else is admitted and proxied.
func newHTTPHandler(
	logger *slog.Logger,
	gw *config.GatewayConfig,
	adm *config.AdmissionConfig,
	core *Core,
	obs *Observability,
	ready *hhttp.ReadyHandler,
	verifier *auth.Verifier,
	ips middleware.IPExtractor,
) http.Handler {
	health := &hhttp.HealthHandler{
		Version:      getVersion(),
		BreakerState: core.breakerState,
		DB:           core.DB,
		Registry:     core.Registry,
		Override:     core.Override,
		Load:         core.Load,
		Sampler:      core.Sampler,
	}
	if core.RedisStore != nil {
		health.Store = core.RedisStore
	}
	if core.Memory != nil {
		health.Keys = core.Memory
	}

	admission := middleware.NewAdmission(core.Engine, middleware.NewIdentityResolver(verifier, ips), middleware.AdmissionConfig{
		Enabled:         adm.Enabled,
		MaxContentBytes: gw.MaxContentBytes,
		Sampler:         core.Sampler,
	})

	proxied := hhttp.Chain(newProxy(gw.UpstreamURL, obs),
		obs.SLO.Middleware,
		hhttp.InputValidation(hhttp.DefaultInputLimits()),
		admission.Middleware,
	)

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("GET /ready", ready)
	mux.Handle("GET /live", hhttp.LiveHandler{})
	mux.Handle("GET /metrics", hhttp.MetricsHandler(core.Metrics.Registry(), obs.Registry))
	hhttp.RegisterAdmin(mux, verifier, core.Control, core.Summarizer, core.AuditLog)
	mux.Handle("/", proxied)

	return hhttp.Chain(mux,
		tracing.Middleware,
		requestid.Middleware,
		hhttp.Logging(logger),
		hhttp.Recover(logger),
		obs.HTTP.Middleware,
	)
}

// newGRPCServer serves the standard health service with the admission
// interceptor installed. Health/Check is exempt so probes are never
// limited, which leaves Health/List as the only admitted method until
// application services are registered on the returned server; every
// service registered there is admitted the same way.
func newGRPCServer(gw *config.GatewayConfig, core *Core, verifier *auth.Verifier) (*grpc.Server, *health.Server) {
	interceptor := igrpc.NewAdmissionInterceptor(core.Engine, verifier, igrpc.InterceptorConfig{
		MaxContentBytes: int(gw.MaxContentBytes),
		Sampler:         core.Sampler,
		Exempt:          []string{healthpb.Health_Check_FullMethodName},
	})

	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptor.Unary()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
