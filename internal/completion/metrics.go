package completion

import "github.com/prometheus/client_golang/prometheus"

var generatedTokensTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "inferd",
		Subsystem: "completion",
		Name:      "generated_tokens_total",
		Help:      "Total tokens generated across all requests",
	},
)

func init() {
	prometheus.MustRegister(generatedTokensTotal)
}
