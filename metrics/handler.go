package metrics

import (
	"encoding/json"
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler serves the registry in the standard Prometheus text
// exposition format, the way the teacher's prometheus_monitoring example
// wires promhttp.HandlerFor directly off a *prometheus.Registry.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DropwizardHandler serves the same registry as a flat dropwizard-style
// JSON document (gauges -> {"value": n}, counters -> {"count": n}), for
// operators whose dashboards still poll the older metrics endpoint shape
// instead of scraping Prometheus text format.
func (m *Metrics) DropwizardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := m.registry.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dropwizardDoc(families))
	})
}

func dropwizardDoc(families []*dto.MetricFamily) map[string]interface{} {
	doc := make(map[string]interface{}, len(families))
	for _, fam := range families {
		name := fam.GetName()
		for _, metric := range fam.GetMetric() {
			key := name
			if labels := metric.GetLabel(); len(labels) > 0 {
				for _, l := range labels {
					key = name + "." + l.GetValue()
				}
			}
			switch fam.GetType() {
			case dto.MetricType_GAUGE:
				doc[key] = map[string]float64{"value": metric.GetGauge().GetValue()}
			case dto.MetricType_COUNTER:
				doc[key] = map[string]float64{"count": metric.GetCounter().GetValue()}
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				doc[key] = map[string]float64{
					"count": float64(h.GetSampleCount()),
					"sum":   h.GetSampleSum(),
				}
			}
		}
	}
	return doc
}
