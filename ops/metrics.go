// Package ops implements the ambient observability layer (structured
// logging and metrics) that sits beside every core package, adapted from
// `go/ops`'s log/stats publication shape and `go/flow/mapping.go`'s
// promauto registration style, but retargeted from Flow's shard/task log
// model to per-writer status events (spec.md §6 status structs).
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var offeredDeadlineMissedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddspub_offered_deadline_missed_total",
	Help: "Cumulative count of offered_deadline_missed events per writer.",
}, []string{"topic", "writer"})

var offeredIncompatibleQosTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddspub_offered_incompatible_qos_total",
	Help: "Cumulative count of offered_incompatible_qos events per writer.",
}, []string{"topic", "writer"})

var livelinessLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddspub_liveliness_lost_total",
	Help: "Cumulative count of liveliness_lost events per writer.",
}, []string{"topic", "writer"})

var publicationMatchedCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ddspub_publication_matched_current",
	Help: "Current number of matched reliable/best-effort readers per writer.",
}, []string{"topic", "writer"})

var samplesAckedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddspub_samples_acked_total",
	Help: "Cumulative count of samples acknowledged by every matched reliable reader.",
}, []string{"topic", "writer"})

var flowControllerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ddspub_flow_controller_queue_depth",
	Help: "Current number of samples queued in a named FlowController.",
}, []string{"controller"})

// SetFlowControllerQueueDepth publishes controller's current queue depth.
// Nothing in this module calls it: FlowController has no ops/ dependency
// of its own (spec.md §4.5 stays transport/ops agnostic).
func SetFlowControllerQueueDepth(controller string, depth int) {
	flowControllerQueueDepth.WithLabelValues(controller).Set(float64(depth))
}
