package archive

import (
	"bufio"
	"bytes"
	"regexp"
	"testing"
	"time"

	"trafficwatch/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []model.ConnectionEvent {
	return []model.ConnectionEvent{
		{
			ID: 1, ObservedAt: "2025/08/06 15:54:22.272696", ClientIP: "5.167.225.135", ClientPort: 62124,
			Protocol: model.ProtocolTCP, Domain: "speed.cloudflare.com", DestPort: 443,
			InboundTag: "inbound-16880", ClientIdentity: "7p5uebch",
		},
		{
			ID: 2, ObservedAt: "2025/08/06 15:54:23", ClientIP: "2001:db8::1", ClientPort: 5555,
			Protocol: model.ProtocolUDP, Domain: "dns.google", InboundTag: "in2",
		},
	}
}

func decodeJSONLGZ(t *testing.T, data []byte) []model.ConnectionEvent {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	var out []model.ConnectionEvent
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var ev model.ConnectionEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEncodeJSONLGZ(t *testing.T) {
	events := sampleEvents()

	data, err := NewEncoder().EncodeJSONLGZ(events)
	require.NoError(t, err)
	assert.Equal(t, events, decodeJSONLGZ(t, data))

	// pooled writers and buffers are reset between calls
	again, err := NewEncoder().EncodeJSONLGZ(events[:1])
	require.NoError(t, err)
	assert.Equal(t, events[:1], decodeJSONLGZ(t, again))
	assert.Equal(t, events, decodeJSONLGZ(t, data), "earlier result is not aliased")
}

func TestNaming(t *testing.T) {
	at := time.Date(2025, 8, 6, 18, 0, 0, 0, time.UTC)

	name := NewFilename("node-1", at)
	assert.Regexp(t, regexp.MustCompile(`^1754503200_node-1_\d{6}\.jsonl\.gz$`), name)
	assert.NotEqual(t, name, NewFilename("node-1", at), "counter keeps names unique")

	assert.Equal(t, "tw/dt=2025-08-06/hr=18/"+name, BuildKey("tw", at, name))
	assert.Equal(t, "tw/dt=2025-08-06/hr=18/x", BuildKey("tw", at.In(time.FixedZone("MSK", 3*3600)), "x"))

	got, ok := partitionTime(name)
	require.True(t, ok)
	assert.Equal(t, at, got)

	_, ok = partitionTime("garbage.jsonl.gz")
	assert.False(t, ok)
	_, ok = partitionTime("_x.jsonl.gz")
	assert.False(t, ok)
}
