// Package catalog provides the server list the orchestrator connects to.
// Servers are read from a YAML file and resolved against connect intents.
package catalog

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// file is the on-disk layout of servers.yaml.
type file struct {
	Servers []*vpn.Server `yaml:"servers"`
}

// Catalog resolves intents to servers. A lower Score is better.
type Catalog struct {
	// Tier returns the user's tier; servers above it are not accessible.
	Tier func() int
	// Default is the intent used for account-driven fallbacks.
	Default vpn.ConnectIntent
	Log     common.Logger

	mu      sync.RWMutex
	path    string
	servers []*vpn.Server
}

// New returns a catalog over servers.
func New(servers []*vpn.Server, tier func() int) *Catalog {
	return &Catalog{
		Tier:    tier,
		Default: vpn.FastestIntent(),
		Log:     common.ComponentLogger("catalog"),
		servers: servers,
	}
}

// Load reads the catalog at path.
func Load(path string, tier func() int) (*Catalog, error) {
	c := New(nil, tier)
	c.path = path
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file.
func (c *Catalog) Reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("failed to open server catalog: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var data file
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("error parsing server catalog %s: %w", c.path, err)
	}

	seen := make(map[string]bool, len(data.Servers))
	for _, s := range data.Servers {
		if s.ID == "" {
			return fmt.Errorf("server %q has no id", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			s.Name = s.ID
		}
	}

	c.mu.Lock()
	c.servers = data.Servers
	c.mu.Unlock()
	c.Log.Info("Loaded %d servers from %s", len(data.Servers), c.path)
	return nil
}

// Servers returns all servers, best score first.
func (c *Catalog) Servers() []*vpn.Server {
	c.mu.RLock()
	out := slices.Clone(c.servers)
	c.mu.RUnlock()
	slices.SortStableFunc(out, byScore)
	return out
}

// Resolve implements vpn.ServerDirectory. It prefers online servers the
// user can access, but returns an inaccessible match rather than nothing so
// the caller can tell "no access" from "no server".
func (c *Catalog) Resolve(intent vpn.ConnectIntent) (*vpn.Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if intent.Kind == vpn.IntentServer {
		for _, s := range c.servers {
			if s.ID == intent.ServerID {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", common.ErrNoServer, intent)
	}

	var matches []*vpn.Server
	for _, s := range c.servers {
		if matchesIntent(s, intent) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrNoServer, intent)
	}

	tier := c.tier()
	slices.SortStableFunc(matches, func(a, b *vpn.Server) int {
		if r := cmp.Compare(usability(a, tier), usability(b, tier)); r != 0 {
			return r
		}
		return byScore(a, b)
	})
	return matches[0], nil
}

// DefaultIntent implements vpn.ServerDirectory.
func (c *Catalog) DefaultIntent() vpn.ConnectIntent {
	return c.Default
}

// FallbackCandidates implements vpn.ServerDirectory. Servers closest to
// what the intent asked for come first: same city, same country, then the
// rest, each group by score. Gateway intents never leave their gateway.
func (c *Catalog) FallbackCandidates(intent vpn.ConnectIntent, exclude *vpn.Server, tier, limit int) []vpn.Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	country, city := intent.Country, intent.City
	if exclude != nil && country == "" {
		country, city = exclude.Country, exclude.City
	}

	var pool []*vpn.Server
	for _, s := range c.servers {
		switch {
		case exclude != nil && s.ID == exclude.ID:
		case !s.Online() || s.Tier > tier:
		case intent.Kind == vpn.IntentGateway && !strings.EqualFold(s.Gateway, intent.Gateway):
		case intent.Kind != vpn.IntentGateway && s.Gateway != "":
		default:
			pool = append(pool, s)
		}
	}

	slices.SortStableFunc(pool, func(a, b *vpn.Server) int {
		if r := cmp.Compare(proximity(a, country, city), proximity(b, country, city)); r != 0 {
			return r
		}
		return byScore(a, b)
	})
	if limit > 0 && len(pool) > limit {
		pool = pool[:limit]
	}

	out := make([]vpn.Candidate, 0, len(pool))
	for _, s := range pool {
		out = append(out, vpn.Candidate{
			Intent: vpn.ConnectIntent{Kind: vpn.IntentServer, ServerID: s.ID, Protocol: intent.Protocol},
			Server: s,
		})
	}
	return out
}

// InMaintenance implements vpn.ServerDirectory.
func (c *Catalog) InMaintenance(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.servers {
		if s.ID == serverID {
			return s.Maintenance
		}
	}
	return false
}

func (c *Catalog) tier() int {
	if c.Tier == nil {
		return 0
	}
	return c.Tier()
}

func matchesIntent(s *vpn.Server, intent vpn.ConnectIntent) bool {
	switch intent.Kind {
	case vpn.IntentCountry:
		return s.Gateway == "" && strings.EqualFold(s.Country, intent.Country)
	case vpn.IntentCity:
		return s.Gateway == "" && strings.EqualFold(s.Country, intent.Country) && strings.EqualFold(s.City, intent.City)
	case vpn.IntentGateway:
		return strings.EqualFold(s.Gateway, intent.Gateway)
	default:
		return s.Gateway == ""
	}
}

// usability ranks online accessible servers first, then online ones the
// tier cannot use, then offline ones.
func usability(s *vpn.Server, tier int) int {
	switch {
	case !s.Online():
		return 2
	case s.Tier > tier:
		return 1
	default:
		return 0
	}
}

func proximity(s *vpn.Server, country, city string) int {
	switch {
	case country != "" && city != "" && strings.EqualFold(s.Country, country) && strings.EqualFold(s.City, city):
		return 0
	case country != "" && strings.EqualFold(s.Country, country):
		return 1
	default:
		return 2
	}
}

func byScore(a, b *vpn.Server) int {
	return cmp.Compare(a.Score, b.Score)
}
