package router

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_router_requests_total",
			Help: "Total LM router requests served, by outcome.",
		},
		[]string{"outcome"},
	)
	depthCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_router_depth_calls_total",
			Help: "Total LM calls served by the router, by recursion depth.",
		},
		[]string{"depth"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, depthCallsTotal)
}
