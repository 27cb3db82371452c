package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_msa._tcp"
	mdnsDomain      = "local."
	// DefaultBrowseTimeout bounds Browse when the caller passes none.
	DefaultBrowseTimeout = 3 * time.Second
)

// Peer is a gateway found on the local network.
type Peer struct {
	Instance string
	Agent    string
	Version  string
	// Addr is host:port of the gateway listener.
	Addr string
	TXT  map[string]string
}

// WSURL is the WebSocket endpoint of the peer.
func (p Peer) WSURL() string { return "ws://" + p.Addr + "/ws" }

// Advertise announces the gateway listening on port as an mDNS/DNS-SD
// service until ctx is done.
func Advertise(ctx context.Context, instance string, port int, txt map[string]string, logger *slog.Logger) error {
	records := make([]string, 0, len(txt))
	for k, v := range txt {
		records = append(records, k+"="+v)
	}
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, records, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns advertising gateway", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// AdvertiseServer waits until srv is listening, then advertises its port.
// It fits as a supervised task next to srv.Run.
func AdvertiseServer(ctx context.Context, srv *Server, instance string, logger *slog.Logger) error {
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	_, portStr, err := net.SplitHostPort(srv.BoundAddr())
	if err != nil {
		return fmt.Errorf("mdns: gateway address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mdns: gateway port: %w", err)
	}
	return Advertise(ctx, instance, port, map[string]string{
		"agent":   srv.cfg.AgentName,
		"version": srv.cfg.Version,
	}, logger)
}

// Browse collects advertised gateways until timeout or ctx ends.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
		wg    sync.WaitGroup
	)
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			p, ok := entryToPeer(entry)
			if !ok {
				continue
			}
			mu.Lock()
			peers = append(peers, p)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return peers, nil
}

// entryToPeer converts a resolved entry; entries without an address are
// skipped.
func entryToPeer(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Peer{}, false
	}
	txt := parseTXTRecords(entry.Text)
	return Peer{
		Instance: entry.Instance,
		Agent:    txt["agent"],
		Version:  txt["version"],
		Addr:     net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		TXT:      txt,
	}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok {
			m[k] = v
		}
	}
	return m
}
