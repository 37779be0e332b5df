package app

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/request-gateway/internal/service/concurrency"
)

// RegisterGatewayCollectors registers gauges that read live component state
// at scrape time: concurrency per listener, lag per topic and pool counters.
func RegisterGatewayCollectors(reg prometheus.Registerer, groups concurrency.Groups, lag LagSnapshotter, topics []string, pool PoolStatter) error {
	var cs []prometheus.Collector

	for _, id := range groups.IDs() {
		g := groups[id]
		cs = append(cs,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "gateway_consumer_concurrency",
				Help:        "Configured consumer concurrency per listener",
				ConstLabels: prometheus.Labels{"listener": id},
			}, func() float64 { return float64(g.Concurrency()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "gateway_consumer_running",
				Help:        "Live consumer pollers per listener",
				ConstLabels: prometheus.Labels{"listener": id},
			}, func() float64 { return float64(g.Running()) }),
		)
	}

	if lag != nil {
		for _, topic := range topics {
			topic := topic
			cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "gateway_consumer_lag",
				Help:        "Last observed consumer lag per topic",
				ConstLabels: prometheus.Labels{"topic": topic},
			}, func() float64 { return float64(lag.Snapshot()[topic]) }))
		}
	}

	if pool != nil {
		cs = append(cs,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "gateway_pool_active",
				Help: "Worker pool tasks currently running",
			}, func() float64 { return float64(pool.Stats().Active) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "gateway_pool_size",
				Help: "Worker pool live workers",
			}, func() float64 { return float64(pool.Stats().Size) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "gateway_pool_queue",
				Help: "Worker pool queued tasks",
			}, func() float64 { return float64(pool.Stats().Queued) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "gateway_pool_completed_total",
				Help: "Worker pool tasks completed",
			}, func() float64 { return float64(pool.Stats().Completed) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "gateway_pool_rejected_total",
				Help: "Worker pool submissions rejected",
			}, func() float64 { return float64(pool.Stats().Rejected) }),
		)
	}

	var errs []error
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
