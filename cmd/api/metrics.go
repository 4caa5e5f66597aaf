package main

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newPrometheusRegistry returns the registry scraped at /metrics with the
// process and Go runtime collectors plus a build info gauge.
func newPrometheusRegistry(version, environment string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "auction",
			Subsystem: "api",
			Name:      "build_info",
			Help:      "Build information for the running binary",
		},
		[]string{"version", "environment", "go_version"},
	)
	reg.MustRegister(buildInfo)
	buildInfo.WithLabelValues(version, environment, runtime.Version()).Set(1)

	return reg
}
