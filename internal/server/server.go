package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/homeprobe/homeprobe/internal/exposition"
	"github.com/homeprobe/homeprobe/internal/probe"
	"github.com/homeprobe/homeprobe/internal/token"
	"github.com/homeprobe/homeprobe/internal/tunnel"
)

// Prober runs one scrape. *probe.Orchestrator implements it.
type Prober interface {
	Run(ctx context.Context, module, target string) (probe.Result, error)
}

// Server routes probe requests and exposes self-health metrics. Device
// metrics never appear under /metrics; they exist only in probe bodies.
type Server struct {
	prober Prober
	log    *slog.Logger
	mux    *http.ServeMux

	registry *prometheus.Registry
	probes   *prometheus.CounterVec
	start    time.Time
}

func New(prober Prober, tunnels *tunnel.Manager, tokens *token.Store, log *slog.Logger) *Server {
	s := &Server{
		prober:   prober,
		log:      log,
		mux:      http.NewServeMux(),
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
	}

	s.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeprobe_probes_total",
		Help: "Probes served, by module and outcome.",
	}, []string{"module", "outcome"})
	s.registry.MustRegister(s.probes)

	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "homeprobe_uptime_seconds",
		Help: "Seconds since the exporter started.",
	}, func() float64 { return time.Since(s.start).Seconds() }))

	if tokens != nil {
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homeprobe_tokens_cached",
			Help: "Accounts with a cached token.",
		}, func() float64 { return float64(tokens.Len()) }))
	}
	if tunnels != nil {
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homeprobe_tunnel_active",
			Help: "Live SSH forwards.",
		}, func() float64 { return float64(tunnels.Active()) }))
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "homeprobe_tunnel_spawns_total",
			Help: "SSH forwards spawned.",
		}, func() float64 { return float64(tunnels.Spawns()) }))
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "homeprobe_tunnel_restarts_total",
			Help: "SSH forwards respawned after dying.",
		}, func() float64 { return float64(tunnels.Restarts()) }))
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "homeprobe_tunnel_uses_total",
			Help: "Probe dials routed through a forward.",
		}, func() float64 { return float64(tunnels.Uses()) }))
	}

	s.mux.HandleFunc("/probe", s.handleProbe)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/", s.handleIndex)
	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("module")
	target := r.URL.Query().Get("target")
	if module == "" || target == "" {
		http.Error(w, "probe requires module and target parameters", http.StatusBadRequest)
		return
	}

	res, err := s.prober.Run(r.Context(), module, target)
	if err != nil {
		// Only request errors reach here; driver failures ride inside res.
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.probes.WithLabelValues(module, string(res.Outcome)).Inc()

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	err = exposition.Render(w, exposition.Result{
		Module:   module,
		Success:  res.Success(),
		Duration: res.Duration,
		Samples:  res.Samples,
	})
	if err != nil {
		// Headers are gone; all we can do is log.
		s.log.Error("render probe response", "module", module, "target", target, "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><head><title>homeprobe</title></head><body>
<h1>homeprobe</h1>
<p><a href="/probe?module=MODULE&target=TARGET">/probe</a> scrapes one device.</p>
<p><a href="/metrics">/metrics</a> exporter self-health.</p>
</body></html>
`)
}
