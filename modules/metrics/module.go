// Package metrics exposes Prometheus metrics about the running modules.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
)

// ConfigBlock is the name of the module configuration block read by PreInit.
const ConfigBlock = "metrics"

// Settings configures the exported metric names.
type Settings struct {
	Namespace string `env:"METRICS_NAMESPACE" envDefault:"modgrid" hcl:"namespace,optional"`
}

// Metrics is the metrics module. It owns a private Prometheus registry.
type Metrics struct {
	registry.NoDependencies

	reg        *prometheus.Registry
	moduleInfo *prometheus.GaugeVec
	startedAt  prometheus.Gauge
}

// Module is the handle of the metrics module.
var Module = registry.Declare[Metrics, Settings]()

// PreInit reads the settings.
func (m *Metrics) PreInit(ctx context.Context) (Settings, error) {
	var s Settings
	if err := config.ParseEnv(&s); err != nil {
		return s, err
	}
	if err := config.Decode(ctx, ConfigBlock, &s); err != nil {
		return s, err
	}
	if strings.TrimSpace(s.Namespace) == "" {
		return s, errors.New("metrics namespace is required")
	}
	return s, nil
}

// Init creates the registry and its collectors.
func (m *Metrics) Init(_ context.Context, s Settings, _ *registry.Deps) error {
	m.reg = prometheus.NewRegistry()
	m.moduleInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: s.Namespace,
			Name:      "module_info",
			Help:      "Started modules, one series per module with a constant value of 1.",
		},
		[]string{"module"},
	)
	m.startedAt = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.Namespace,
		Name:      "modules_started_timestamp_seconds",
		Help:      "Unix time at which every module finished post-init registration.",
	})

	for _, c := range []prometheus.Collector{
		m.moduleInfo,
		m.startedAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

// PostInit records every published module.
func (m *Metrics) PostInit(ctx context.Context) error {
	r, ok := registry.Published()
	if !ok {
		return registry.ErrRegistryNotPublished
	}
	for _, name := range r.Modules() {
		m.moduleInfo.WithLabelValues(name).Set(1)
	}
	m.startedAt.Set(float64(time.Now().Unix()))

	ctxlog.FromContext(ctx).Debug("Module metrics recorded.", "modules", r.Len())
	return nil
}

// Registerer lets other code add collectors to the module's registry.
func (m *Metrics) Registerer() prometheus.Registerer { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
