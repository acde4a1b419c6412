package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "acervo_worker_claims_total",
	Help: "counter of queue entries claimed by the worker loop",
}, []string{"queue"})

var dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "acervo_worker_dispatches_total",
	Help: "counter of processor dispatches by outcome",
}, []string{"queue", "outcome"})

var reapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "acervo_worker_stale_locks_reaped_total",
	Help: "counter of processing entries reclaimed by the stale-lock reaper",
}, []string{"queue"})

var pausesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "acervo_worker_global_pauses_total",
	Help: "counter of adaptive global pauses taken on upstream instability",
})
