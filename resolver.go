package callmon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// resolver tracks the address set of the remote write host. It races the
// configured UDP, DoT and DoH servers against the system resolver.
type resolver struct {
	host   string
	cfg    DNSConfig
	logger *zap.Logger

	mutex       sync.Mutex
	resolvedIPs []string
	lastResolve time.Time
	cacheIPs    []string
	cacheUntil  time.Time
}

func newResolver(host string, cfg DNSConfig, logger *zap.Logger) *resolver {
	cfg.CacheTTL = pickDuration(cfg.CacheTTL, 10*time.Minute)
	cfg.RefreshInterval = pickDuration(cfg.RefreshInterval, 5*time.Minute)
	cfg.Timeout = pickDuration(cfg.Timeout, 800*time.Millisecond)
	cfg.UDPServers = slices.Clone(cfg.UDPServers)
	cfg.TLSServers = slices.Clone(cfg.TLSServers)
	cfg.DoHEndpoints = slices.Clone(cfg.DoHEndpoints)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &resolver{host: host, cfg: cfg, logger: logger}
}

func (r *resolver) enabled() bool {
	return r != nil && r.cfg.Enable && r.host != ""
}

// refresh re-resolves the host and reports whether the client should be
// recreated: the address set changed, or force was requested and succeeded.
func (r *resolver) refresh(ctx context.Context, force bool) bool {
	if r == nil || r.host == "" || net.ParseIP(r.host) != nil {
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Throttle resolves
	if !force && time.Since(r.lastResolve) < time.Minute {
		return false
	}
	r.lastResolve = time.Now()

	if !force && r.cfg.Enable && time.Now().Before(r.cacheUntil) {
		if slices.Equal(r.cacheIPs, r.resolvedIPs) {
			return false
		}
		r.resolvedIPs = r.cacheIPs
		return true
	}

	var (
		ips []string
		err error
	)
	if r.cfg.Enable {
		ips, err = r.resolveFastest(ctx)
	} else {
		ips, err = systemLookup(ctx, r.host)
	}
	if err != nil || len(ips) == 0 {
		r.logger.Warn("DNS lookup failed", zap.String("host", r.host), zap.Error(err))
		return false
	}

	slices.Sort(ips)
	changed := !slices.Equal(ips, r.resolvedIPs)
	r.resolvedIPs = ips
	if r.cfg.Enable {
		r.cacheIPs = ips
		r.cacheUntil = time.Now().Add(r.cfg.CacheTTL)
	}
	if changed {
		r.logger.Debug("Resolved remote write host",
			zap.String("host", r.host), zap.Strings("ips", ips))
	}
	return changed || force
}

type lookupResult struct {
	ips []string
	err error
}

// resolveFastest returns the first non-empty answer
func (r *resolver) resolveFastest(parent context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()

	var lookups []func(context.Context) ([]string, error)
	for _, srv := range r.cfg.UDPServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "udp", r.host, srv, r.cfg.Timeout)
		})
	}
	for _, srv := range r.cfg.TLSServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "tcp-tls", r.host, srv, r.cfg.Timeout)
		})
	}
	for _, ep := range r.cfg.DoHEndpoints {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return resolveDoH(ctx, r.host, ep)
		})
	}
	lookups = append(lookups, func(ctx context.Context) ([]string, error) {
		return systemLookup(ctx, r.host)
	})

	// buffered for every attempt so losers never block
	ch := make(chan lookupResult, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup(ctx)
			ch <- lookupResult{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", r.host)
	}
	return nil, firstErr
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

func question(host string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	return m
}

func answers(r *dns.Msg) ([]string, error) {
	if r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode not success")
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

// exchange queries server over network "udp" or "tcp-tls"
func exchange(ctx context.Context, network, host, server string, timeout time.Duration) ([]string, error) {
	c := &dns.Client{Net: network, Timeout: timeout}
	r, _, err := c.ExchangeContext(ctx, question(host), server)
	if err != nil {
		return nil, fmt.Errorf("%s dns query to %s failed: %w", network, server, err)
	}
	return answers(r)
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	payload, err := question(host).Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	return answers(&r)
}
