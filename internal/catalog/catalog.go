// Package catalog maintains the set of known game servers: the configured
// SERVER_LIST entries plus anything found by the optional port-range
// discovery scan. Entries carry the last probe result so /servers can answer
// without waiting for slow upstreams.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cs16web/relay/internal/sourcequery"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	// discoveryInterval is how often the port-range scan repeats.
	discoveryInterval = 3 * time.Second

	// staleAfter is how long a discovered server may stay offline before it is
	// dropped from the catalog. Configured entries are never dropped.
	staleAfter = 5 * time.Minute
)

// Entry is one known game server. Probe fields are zero until the first
// successful probe.
type Entry struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`

	Name       string `json:"name"`
	Map        string `json:"map"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	GameType   string `json:"game_type"`

	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	ResponseTime float64   `json:"response_time,omitempty"` // milliseconds
	Err          string    `json:"error,omitempty"`

	configured bool
}

type Catalog struct {
	client *sourcequery.Client
	log    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order; the first entry is the default backend
}

func New(client *sourcequery.Client, logger *slog.Logger) *Catalog {
	if client == nil {
		client = &sourcequery.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		client:  client,
		log:     logger,
		entries: make(map[string]*Entry),
	}
}

// AddConfigured seeds the catalog from SERVER_LIST entries of the form "host"
// or "host:port"; entries without a port use defaultPort.
func (c *Catalog) AddConfigured(list []string, defaultPort int) error {
	for _, raw := range list {
		host, port, err := splitEntry(raw, defaultPort)
		if err != nil {
			return err
		}
		c.upsert(host, port, true)
	}
	return nil
}

func splitEntry(raw string, defaultPort int) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, fmt.Errorf("catalog: empty server entry")
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// No port in the entry.
		return raw, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("catalog: invalid port in server entry %q", raw)
	}
	return host, port, nil
}

func (c *Catalog) upsert(host string, port int, configured bool) *Entry {
	id := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		if configured {
			e.configured = true
		}
		return e
	}
	e := &Entry{
		ID:         id,
		Host:       host,
		Port:       port,
		Status:     StatusOffline,
		configured: configured,
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	return e
}

// Default returns the first catalog entry, the backend used when a client does
// not select one.
func (c *Catalog) Default() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return Entry{}, false
	}
	return *c.entries[c.order[0]], true
}

// Entries returns a snapshot in insertion order.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entries[id])
	}
	return out
}

// Probe queries every entry concurrently and returns the updated snapshot.
func (c *Catalog) Probe(ctx context.Context) []Entry {
	entries := c.Entries()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			c.probeOne(ctx, e.Host, e.Port)
		}(e)
	}
	wg.Wait()

	return c.Entries()
}

// probeOne queries a single server and folds the result into the catalog.
// Empty or failed probes mark the entry offline; fields are never fabricated.
func (c *Catalog) probeOne(ctx context.Context, host string, port int) {
	start := time.Now()
	info, err := c.client.Query(ctx, host, port)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	id := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if err != nil || info.Empty() {
		if e.Status == StatusOnline {
			c.log.Warn("game server offline", "server", id, "err", err)
		}
		e.Status = StatusOffline
		if err != nil {
			e.Err = err.Error()
		} else {
			e.Err = "empty info response"
		}
		return
	}

	wasOffline := e.Status != StatusOnline
	e.Name = info.Name
	e.Map = info.Map
	e.Players = info.Players
	e.MaxPlayers = info.MaxPlayers
	e.GameType = detectGameType(info.Name)
	e.Status = StatusOnline
	e.LastSeen = time.Now()
	e.ResponseTime = elapsed
	e.Err = ""

	if wasOffline {
		c.log.Info("game server online", "server", id, "name", info.Name, "map", info.Map)
	}
}

// RunDiscovery scans [portStart, portEnd] on host every few seconds until ctx
// is cancelled, augmenting the catalog with responsive servers and dropping
// discovered ones that stay offline past staleAfter.
func (c *Catalog) RunDiscovery(ctx context.Context, host string, portStart, portEnd int) {
	c.log.Info("starting game server discovery", "host", host, "ports", fmt.Sprintf("%d-%d", portStart, portEnd))

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		c.scanOnce(ctx, host, portStart, portEnd)
		c.dropStale()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Catalog) scanOnce(ctx context.Context, host string, portStart, portEnd int) {
	var wg sync.WaitGroup
	for port := portStart; port <= portEnd; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			info, err := c.client.Query(ctx, host, port)
			if err != nil || info.Empty() {
				// Not a game server (or silent); only re-probe ports already in
				// the catalog.
				id := net.JoinHostPort(host, strconv.Itoa(port))
				c.mu.RLock()
				_, known := c.entries[id]
				c.mu.RUnlock()
				if known {
					c.probeOne(ctx, host, port)
				}
				return
			}
			c.upsert(host, port, false)
			c.probeOne(ctx, host, port)
		}(port)
	}
	wg.Wait()
}

func (c *Catalog) dropStale() {
	cutoff := time.Now().Add(-staleAfter)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.configured || e.Status == StatusOnline {
			continue
		}
		if e.LastSeen.Before(cutoff) {
			delete(c.entries, id)
			for i, oid := range c.order {
				if oid == id {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
			c.log.Info("dropped stale discovered server", "server", id)
		}
	}
}

func detectGameType(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "deathmatch"), strings.Contains(n, "dm"):
		return "deathmatch"
	case strings.Contains(n, "gungame"), strings.Contains(n, "gg"):
		return "gungame"
	default:
		return "classic"
	}
}
