// Package metrics contains all application-logic metrics
package metrics

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	registrationsReceived = metrics.NewCounter("relay_registrations_received_total")
	registrationsValid    = metrics.NewCounter("relay_registrations_valid_total")
	bidsServed            = metrics.NewCounter("relay_bids_served_total")
	payloadsDelivered     = metrics.NewCounter("relay_payloads_delivered_total")
	payloadsEvicted       = metrics.NewCounter("relay_payloads_evicted_total")

	payloadCacheEntries atomic.Int64
	_                   = metrics.NewGauge("relay_payload_cache_entries", func() float64 {
		return float64(payloadCacheEntries.Load())
	})
)

func IncRegistrationsReceived(n int) {
	registrationsReceived.Add(n)
}

func IncRegistrationsValid(n int) {
	registrationsValid.Add(n)
}

func IncBidsServed() {
	bidsServed.Inc()
}

func IncPayloadsDelivered() {
	payloadsDelivered.Inc()
}

func IncPayloadsEvicted(n int) {
	payloadsEvicted.Add(n)
}

func SetPayloadCacheEntries(n int) {
	payloadCacheEntries.Store(int64(n))
}

func RecordRPCCallDuration(method string, durationMs int64) {
	metrics.GetOrCreateSummary(`rpc_call_duration_ms{method="` + method + `"}`).Update(float64(durationMs))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(`rpc_call_failure_total{method="` + method + `"}`).Inc()
}

func RecordBuilderPayloadFetchDuration(builder string, durationMs int64) {
	metrics.GetOrCreateSummary(`builder_payload_fetch_duration_ms{builder="` + builder + `"}`).Update(float64(durationMs))
}
