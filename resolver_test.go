package callmon

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "remote-write.invalid"

func reply(req *dns.Msg, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(ip),
	})
	return m
}

func startUDPServer(t *testing.T, ip string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			_ = w.WriteMsg(reply(req, ip))
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolver_UDP(t *testing.T) {
	addr := startUDPServer(t, "192.0.2.10")
	r := newResolver(testHost, DNSConfig{Enable: true, UDPServers: []string{addr}, Timeout: 2 * time.Second}, nil)

	require.True(t, r.refresh(context.Background(), true))
	assert.Equal(t, []string{"192.0.2.10"}, r.resolvedIPs)

	// throttled and cached
	assert.False(t, r.refresh(context.Background(), false))
}

func TestResolver_DoH(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/dns-message", req.Header.Get("Content-Type"))
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		var q dns.Msg
		require.NoError(t, q.Unpack(body))
		out, err := reply(&q, "192.0.2.20").Pack()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	ips, err := resolveDoH(context.Background(), testHost, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.20"}, ips)
}

func TestResolver_IPHostNeverRefreshes(t *testing.T) {
	r := newResolver("127.0.0.1", DNSConfig{Enable: true}, nil)
	assert.False(t, r.refresh(context.Background(), true))

	var nilResolver *resolver
	assert.False(t, nilResolver.enabled())
	assert.False(t, nilResolver.refresh(context.Background(), true))
}

func TestAnswers_RejectsFailures(t *testing.T) {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeNameError
	_, err := answers(m)
	assert.Error(t, err)
	_, err = answers(nil)
	assert.Error(t, err)
}
