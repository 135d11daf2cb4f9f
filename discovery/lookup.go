package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ErrNoSenders indicates a lookup window closed without a usable sender.
var ErrNoSenders = errors.New("discovery: no senders found")

// DiscoveredSender is one advertised sender on the local network.
type DiscoveredSender struct {
	NodeID    string
	NodeName  string
	Version   int
	ChunkSize int
	HostName  string
	Port      int
	Addresses []string
}

// Address returns a dialable host:port, preferring IPv4.
func (d DiscoveredSender) Address() string {
	for _, raw := range d.Addresses {
		if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(raw, strconv.Itoa(d.Port))
		}
	}
	if len(d.Addresses) > 0 {
		return net.JoinHostPort(d.Addresses[0], strconv.Itoa(d.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(d.HostName, "."), strconv.Itoa(d.Port))
}

// Lookup browses for senders for one scan window and returns them sorted by name.
// The sender advertising config.NodeID, if any, is skipped.
func Lookup(ctx context.Context, config Config) ([]DiscoveredSender, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredSender)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				sender, ok := parseEntry(entry, cfg.NodeID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[sender.NodeID] = sender
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]DiscoveredSender, 0, len(collected))
	for _, sender := range collected {
		out = append(out, sender)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeName == out[j].NodeName {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].NodeName < out[j].NodeName
	})
	return out, nil
}

// LookupFirst returns the first sender whose advertised chunk size matches chunkSize.
func LookupFirst(ctx context.Context, config Config, chunkSize int) (DiscoveredSender, error) {
	senders, err := Lookup(ctx, config)
	if err != nil {
		return DiscoveredSender{}, err
	}
	for _, sender := range senders {
		if sender.ChunkSize == chunkSize {
			return sender, nil
		}
	}
	if len(senders) > 0 {
		return DiscoveredSender{}, fmt.Errorf("%w: %d senders advertise a different chunk size than %d", ErrNoSenders, len(senders), chunkSize)
	}
	return DiscoveredSender{}, ErrNoSenders
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (DiscoveredSender, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["node_id"])
	if nodeID == "" || nodeID == selfNodeID || entry.Port <= 0 {
		return DiscoveredSender{}, false
	}

	version, _ := strconv.Atoi(txt["version"])
	chunkSize, _ := strconv.Atoi(txt["chunk_size"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return DiscoveredSender{
		NodeID:    nodeID,
		NodeName:  name,
		Version:   version,
		ChunkSize: chunkSize,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
