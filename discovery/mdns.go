// Package discovery finds the hub's broker on the local network over
// mDNS/DNS-SD and advertises it from the hub.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/ilievs/homesync/transport"
)

const (
	ServiceType        = "_homesync._tcp"
	mdnsDomain         = "local."
	defaultScanTimeout = 3 * time.Second
)

// Service is one advertised hub.
type Service struct {
	Instance string
	Address  string
	Metadata map[string]string
}

// BrokerURL is the MQTT URL the service advertises.
func (s Service) BrokerURL() (*url.URL, bool) {
	if s.Address == "" {
		return nil, false
	}
	scheme := s.Metadata["scheme"]
	if scheme == "" {
		scheme = "mqtt"
	}
	return &url.URL{Scheme: scheme, Host: s.Address}, true
}

type MDNS struct {
	logger      *slog.Logger
	scanTimeout time.Duration
}

func NewMDNS(scanTimeout time.Duration, logger *slog.Logger) *MDNS {
	if scanTimeout <= 0 {
		scanTimeout = defaultScanTimeout
	}
	return &MDNS{logger: logger, scanTimeout: scanTimeout}
}

// Scan browses for hubs until the scan timeout or ctx ends.
func (d *MDNS) Scan(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var services []Service
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			svc := entryToService(entry)
			mu.Lock()
			services = append(services, svc)
			mu.Unlock()
			d.logger.Debug("mdns discovered hub", "instance", svc.Instance, "address", svc.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Service(nil), services...), nil
}

// Resolve returns the broker URLs of every hub found, in discovery order.
func (d *MDNS) Resolve(ctx context.Context) ([]*url.URL, error) {
	services, err := d.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	urls := brokerURLs(services)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no hub found over mdns", transport.ErrUnavailable)
	}
	return urls, nil
}

// Advertise registers the hub on the local network. It blocks until ctx is
// cancelled.
func (d *MDNS) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, ServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func brokerURLs(services []Service) []*url.URL {
	seen := make(map[string]bool)
	var urls []*url.URL
	for _, svc := range services {
		u, ok := svc.BrokerURL()
		if !ok || seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		urls = append(urls, u)
	}
	return urls
}

func entryToService(entry *zeroconf.ServiceEntry) Service {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	return Service{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Metadata: parseTXTRecords(entry.Text),
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
