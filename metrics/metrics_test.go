package metrics

import (
	"bytes"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
)

func TestPayloadCacheEntriesGauge(t *testing.T) {
	SetPayloadCacheEntries(3)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	require.Contains(t, buf.String(), "relay_payload_cache_entries 3")

	SetPayloadCacheEntries(0)
	buf.Reset()
	metrics.WritePrometheus(&buf, false)
	require.Contains(t, buf.String(), "relay_payload_cache_entries 0")
}
