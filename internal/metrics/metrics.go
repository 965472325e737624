package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	moduleStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canto",
			Subsystem: "module",
			Name:      "starts_total",
			Help:      "Number of successful module process starts.",
		}, []string{"name"},
	)
	moduleStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canto",
			Subsystem: "module",
			Name:      "stops_total",
			Help:      "Number of module process exits (clean or failed).",
		}, []string{"name"},
	)
	moduleAutoRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canto",
			Subsystem: "module",
			Name:      "auto_restarts_total",
			Help:      "Number of automatic restart attempts.",
		}, []string{"name"},
	)
	moduleGiveUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canto",
			Subsystem: "module",
			Name:      "restart_give_ups_total",
			Help:      "Times the auto-restart policy hit the retry ceiling.",
		}, []string{"name"},
	)
	moduleRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canto",
			Subsystem: "module",
			Name:      "running",
			Help:      "Whether the module's tracked process is running (0 or 1).",
		}, []string{"name"},
	)
	refreshCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canto",
			Subsystem: "status",
			Name:      "refresh_cycles_total",
			Help:      "Number of status aggregation refresh cycles.",
		},
	)
)

// Register registers all collectors on r. Safe to call once per process;
// duplicate registration is reported as an error.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		moduleStarts, moduleStops, moduleAutoRestarts,
		moduleGiveUps, moduleRunning, refreshCycles,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string)       { moduleStarts.WithLabelValues(name).Inc() }
func IncStop(name string)        { moduleStops.WithLabelValues(name).Inc() }
func IncAutoRestart(name string) { moduleAutoRestarts.WithLabelValues(name).Inc() }
func IncGiveUp(name string)      { moduleGiveUps.WithLabelValues(name).Inc() }
func IncRefreshCycle()           { refreshCycles.Inc() }

func SetRunning(name string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	moduleRunning.WithLabelValues(name).Set(v)
}
