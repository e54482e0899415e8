// Package metrics keeps the engine's Prometheus registry and flattens it
// into the memory-report response.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "codeintel"

// Amount is one memory-report entry.
type Amount struct {
	Amount float64 `json:"amount"`
	Units  string  `json:"units"`
	Desc   string  `json:"desc"`
}

// Metrics is the engine's registry. The zero value is not usable.
type Metrics struct {
	reg *prometheus.Registry

	Requests   *prometheus.CounterVec
	Scans      *prometheus.CounterVec
	Evals      *prometheus.CounterVec
	QueueDepth prometheus.Gauge
}

// New returns a registry holding the Go runtime collector and the engine's
// own counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by command and outcome",
		}, []string{"command", "outcome"}),
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Files scanned by the indexer, by status",
		}, []string{"status"}),
		Evals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evals_total",
			Help:      "Trigger evaluations, by reason",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_depth",
			Help:      "Requests waiting for the worker",
		}),
	}
}

// GaugeFunc registers a gauge read from fn at report time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Report gathers every counter and gauge. Labelled series are keyed
// name{label=value,...}; histograms and summaries report their sample sum.
func (m *Metrics) Report() (map[string]Amount, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Amount)
	for _, fam := range families {
		units := unitsFor(fam.GetName())
		for _, metric := range fam.GetMetric() {
			var v float64
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				v = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = metric.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				v = metric.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM:
				v = metric.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				v = metric.GetSummary().GetSampleSum()
			default:
				continue
			}
			out[seriesKey(fam.GetName(), metric.GetLabel())] = Amount{Amount: v, Units: units, Desc: fam.GetHelp()}
		}
	}
	return out, nil
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func unitsFor(name string) string {
	switch {
	case strings.HasSuffix(name, "_bytes"), strings.HasSuffix(name, "_bytes_total"):
		return "bytes"
	case strings.HasSuffix(name, "_seconds"), strings.HasSuffix(name, "_seconds_total"):
		return "seconds"
	}
	return "count"
}
