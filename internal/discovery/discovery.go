// Package discovery announces the device on the local network over
// DNS-SD and finds other classbook devices the same way.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/dmitrijs2005/classbook/internal/logging"
)

const (
	Service = "_classbook._tcp"
	Domain  = "local."

	txtFingerprint = "fp="
	txtName        = "name="
)

// Peer is a device seen on the network.
type Peer struct {
	DeviceID    string
	Name        string
	Fingerprint string
	Addresses   []string
}

// Address returns the first reachable host:port, or "" when the entry had
// no addresses.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return p.Addresses[0]
}

// Announcement describes what this device advertises.
type Announcement struct {
	DeviceID    string
	Name        string
	Fingerprint string
	Port        int
}

func (a Announcement) txt() []string {
	return []string{txtFingerprint + a.Fingerprint, txtName + a.Name}
}

// Advertiser keeps one DNS-SD registration alive.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
	log    logging.Logger
}

func NewAdvertiser(log logging.Logger) *Advertiser {
	return &Advertiser{log: log.With("module", "discovery")}
}

// Start registers the announcement. A running registration is replaced.
func (a *Advertiser) Start(ctx context.Context, ann Announcement) error {
	server, err := zeroconf.Register(ann.DeviceID, Service, Domain, ann.Port, ann.txt(), nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", Service, err)
	}

	a.mu.Lock()
	prev := a.server
	a.server = server
	a.mu.Unlock()

	if prev != nil {
		prev.Shutdown()
	}
	a.log.Info(ctx, "advertising", "device_id", ann.DeviceID, "port", ann.Port)
	return nil
}

func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Active reports whether a registration is running.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Browser looks up classbook devices until its context ends.
type Browser struct {
	log logging.Logger
}

func NewBrowser(log logging.Logger) *Browser {
	return &Browser{log: log.With("module", "discovery")}
}

// Browse collects every device answering before ctx is done. Callers bound
// ctx with the discovery timeout.
func (b *Browser) Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", Service, err)
	}

	seen := map[string]Peer{}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return collect(seen), nil
			}
			if p, ok := fromEntry(e); ok {
				seen[p.DeviceID] = p
				b.log.Debug(ctx, "peer found", "device_id", p.DeviceID)
			}
		case <-ctx.Done():
			return collect(seen), nil
		}
	}
}

func collect(seen map[string]Peer) []Peer {
	out := make([]Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func fromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || e.Instance == "" {
		return Peer{}, false
	}
	p := Peer{DeviceID: unescape(e.Instance)}
	for _, t := range e.Text {
		switch {
		case strings.HasPrefix(t, txtFingerprint):
			p.Fingerprint = strings.TrimPrefix(t, txtFingerprint)
		case strings.HasPrefix(t, txtName):
			p.Name = strings.TrimPrefix(t, txtName)
		}
	}
	if p.Fingerprint == "" {
		return Peer{}, false
	}
	port := strconv.Itoa(e.Port)
	for _, ip := range e.AddrIPv4 {
		p.Addresses = append(p.Addresses, net.JoinHostPort(ip.String(), port))
	}
	for _, ip := range e.AddrIPv6 {
		p.Addresses = append(p.Addresses, net.JoinHostPort(ip.String(), port))
	}
	return p, true
}

// DNS-SD escapes instance names; device ids are uuids, so only the
// backslash escape needs undoing.
func unescape(s string) string {
	return strings.ReplaceAll(s, `\`, "")
}
