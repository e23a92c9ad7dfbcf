package parser

import (
	"testing"

	"trafficwatch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = "2025/08/06 15:54:22.272696 from 5.167.225.135:62124 accepted tcp:speed.cloudflare.com:443 [inbound-16880 >> direct] email: 7p5uebch"

func TestParse_FullRecord(t *testing.T) {
	res := Parse(sampleLine)
	require.Equal(t, KindEvent, res.Kind, res.Reason)
	assert.True(t, res.OK())

	ev := res.Event
	assert.Equal(t, "2025/08/06 15:54:22.272696", ev.ObservedAt)
	assert.Equal(t, "5.167.225.135", ev.ClientIP)
	assert.Equal(t, 62124, ev.ClientPort)
	assert.Equal(t, model.ProtocolTCP, ev.Protocol)
	assert.Equal(t, "speed.cloudflare.com", ev.Domain)
	assert.Equal(t, 443, ev.DestPort)
	assert.Equal(t, "inbound-16880", ev.InboundTag)
	assert.Equal(t, "7p5uebch", ev.ClientIdentity)
}

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		ip       string
		proto    model.Protocol
		domain   string
		destPort int
		inbound  string
		identity string
	}{
		{
			name:    "no identity, no destination port",
			line:    "2025/08/06 10:00:00 from 10.0.0.7:5000 accepted udp:dns.google [in1]",
			ip:      "10.0.0.7",
			proto:   model.ProtocolUDP,
			domain:  "dns.google",
			inbound: "in1",
		},
		{
			name:     "protocol prefix on source and upper-case protocol",
			line:     "2025/08/06 10:00:00 from tcp:1.2.3.4:5 accepted TCP:x.com:80 [vless-in >> direct] email: a@b.c",
			ip:       "1.2.3.4",
			proto:    model.ProtocolTCP,
			domain:   "x.com",
			destPort: 80,
			inbound:  "vless-in",
			identity: "a@b.c",
		},
		{
			name:     "ipv6 source",
			line:     "2025/08/06 10:00:00 from [2001:db8::1]:5555 accepted tcp:y.com:443 [in2] email: bob",
			ip:       "2001:db8::1",
			proto:    model.ProtocolTCP,
			domain:   "y.com",
			destPort: 443,
			inbound:  "in2",
			identity: "bob",
		},
		{
			name:     "tokens out of order",
			line:     "email: carol [in3] accepted tcp:z.org:8443 from 8.8.4.4:1 2025/08/06 10:00:00",
			ip:       "8.8.4.4",
			proto:    model.ProtocolTCP,
			domain:   "z.org",
			destPort: 8443,
			inbound:  "in3",
			identity: "carol",
		},
		{
			name:     "crlf terminator",
			line:     "2025/08/06 10:00:00 from 1.1.1.1:9 accepted tcp:w.net:443 [in4]\r\n",
			ip:       "1.1.1.1",
			proto:    model.ProtocolTCP,
			domain:   "w.net",
			destPort: 443,
			inbound:  "in4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.line)
			require.Equal(t, KindEvent, res.Kind, res.Reason)
			assert.Equal(t, tt.ip, res.Event.ClientIP)
			assert.Equal(t, tt.proto, res.Event.Protocol)
			assert.Equal(t, tt.domain, res.Event.Domain)
			assert.Equal(t, tt.destPort, res.Event.DestPort)
			assert.Equal(t, tt.inbound, res.Event.InboundTag)
			assert.Equal(t, tt.identity, res.Event.ClientIdentity)
		})
	}
}

func TestParse_NonEvents(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{"empty", "", KindSkip},
		{"banner", "Xray 1.8.4 (Xray, Penetrates Everything.) Custom (go1.21.0 linux/amd64)", KindSkip},
		{"debug line", "2025/08/06 10:00:00 [Info] app/dispatcher: taking detour [direct]", KindSkip},
		{"rejected", "2025/08/06 10:00:00 from 1.2.3.4:5 rejected proxy/socks: unknown command", KindSkip},
		{"missing timestamp", "from 1.2.3.4:5 accepted tcp:x.com:443 [in1]", KindMalformed},
		{"invalid timestamp", "2025/13/45 10:00:00 from 1.2.3.4:5 accepted tcp:x.com:443 [in1]", KindMalformed},
		{"missing source", "2025/08/06 10:00:00 accepted tcp:x.com:443 [in1]", KindMalformed},
		{"invalid source ip", "2025/08/06 10:00:00 from 999.1.1.1:5 accepted tcp:x.com:443 [in1]", KindMalformed},
		{"source port out of range", "2025/08/06 10:00:00 from 1.2.3.4:70000 accepted tcp:x.com:443 [in1]", KindMalformed},
		{"destination port out of range", "2025/08/06 10:00:00 from 1.2.3.4:5 accepted tcp:x.com:99999 [in1]", KindMalformed},
		{"missing inbound", "2025/08/06 10:00:00 from 1.2.3.4:5 accepted tcp:x.com:443", KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res Result
			assert.NotPanics(t, func() { res = Parse(tt.line) })
			assert.Equal(t, tt.kind, res.Kind)
			assert.False(t, res.OK())
			if tt.kind == KindMalformed {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "event", KindEvent.String())
	assert.Equal(t, "malformed", KindMalformed.String())
	assert.Equal(t, "skip", KindSkip.String())
}
