package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a miekg/dns server on a random UDP port answering from zone.
func startServer(t *testing.T, zone map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		rrs, ok := zone[q.Name]
		if !ok {
			resp.Rcode = dns.RcodeNameError
		}
		for _, rr := range rrs {
			if rr.Header().Rrtype == q.Qtype {
				resp.Answer = append(resp.Answer, rr)
			}
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestDNSLookups(t *testing.T) {
	addr := startServer(t, map[string][]dns.RR{
		"4.3.2.1.zen.example.": {
			mustRR(t, "4.3.2.1.zen.example. 60 IN A 127.0.0.2"),
			mustRR(t, `4.3.2.1.zen.example. 60 IN TXT "listed" " for spam"`),
		},
		"example.com.": {
			mustRR(t, "example.com. 60 IN MX 20 mx2.example.com."),
			mustRR(t, "example.com. 60 IN MX 10 mx1.example.com."),
		},
	})
	r := New(Config{Servers: []string{addr}, Timeout: 2 * time.Second})
	ctx := context.Background()

	ips, err := r.LookupA(ctx, "4.3.2.1.zen.example")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "127.0.0.2", ips[0].String())

	txt, err := r.LookupTXT(ctx, "4.3.2.1.zen.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"listed for spam"}, txt)

	mxs, err := r.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, mxs, 2)
	assert.Equal(t, "mx1.example.com", mxs[0].Host)
	assert.Equal(t, "mx2.example.com", mxs[1].Host)

	_, err = r.LookupA(ctx, "missing.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReverseIPv4(t *testing.T) {
	assert.Equal(t, "4.3.2.1", ReverseIPv4("1.2.3.4"))
	assert.Equal(t, "", ReverseIPv4("::1"))
	assert.Equal(t, "", ReverseIPv4("bogus"))
}
