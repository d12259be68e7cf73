package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objects_dispatch_total",
			Help: "Dispatched RPC calls by handler family and outcome code.",
		},
		[]string{"family", "code"},
	)

	ScheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objects_schedule_fires_total",
			Help: "Scheduled callbacks executed, by outcome.",
		},
		[]string{"outcome"},
	)

	FlushedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objects_cdc_flushed_events_total",
			Help: "CDC events marked flushed.",
		},
	)

	DeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "objects_cdc_delivery_failures_total",
			Help: "Failed CDC batch deliveries to a parent.",
		},
	)

	ActiveActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "objects_active_actors",
			Help: "Actors currently activated in this process.",
		},
	)

	OpenChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "objects_open_channels",
			Help: "Open duplex channels.",
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(Dispatches, ScheduleFires, FlushedEvents, DeliveryFailures, ActiveActors, OpenChannels)
	})
}
