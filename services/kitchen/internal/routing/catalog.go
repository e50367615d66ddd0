package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/appetiteclub/kds/pkg/enums/station"
	"gopkg.in/yaml.v3"
)

// ErrUnmapped is returned by a catalog that has no station for an item.
var ErrUnmapped = errors.New("item code not mapped to a station")

// CatalogService resolves the preparation stations of an item code. It is
// owned by the menu side; the router only reads it.
type CatalogService interface {
	StationFor(ctx context.Context, branch, itemCode string) ([]string, error)
}

// StaticCatalog is an in-memory item to station mapping with optional
// per-branch overrides. It is safe for concurrent use and can be replaced
// wholesale with Load.
type StaticCatalog struct {
	mu       sync.RWMutex
	items    map[string][]string
	branches map[string]map[string][]string
}

// CatalogFile is the YAML layout read by LoadCatalogFile.
//
//	items:
//	  burger: [grill]
//	  mojito: [bar]
//	branches:
//	  downtown:
//	    burger: [kitchen]
type CatalogFile struct {
	Items    map[string][]string            `yaml:"items"`
	Branches map[string]map[string][]string `yaml:"branches"`
}

func NewStaticCatalog(items map[string][]string) *StaticCatalog {
	c := &StaticCatalog{}
	c.Load(CatalogFile{Items: items})
	return c
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*StaticCatalog, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse catalog: %w", err)
	}
	c := &StaticCatalog{}
	c.Load(f)
	return c, nil
}

// Load replaces the whole mapping.
func (c *StaticCatalog) Load(f CatalogFile) {
	items := normalizeMapping(f.Items)
	branches := make(map[string]map[string][]string, len(f.Branches))
	for b, m := range f.Branches {
		branches[b] = normalizeMapping(m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.branches = branches
}

// Set maps one item code for every branch.
func (c *StaticCatalog) Set(itemCode string, stations ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string][]string)
	}
	c.items[itemCode] = normalizeStations(stations)
}

func (c *StaticCatalog) StationFor(ctx context.Context, branch, itemCode string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.branches[branch]; ok {
		if st := m[itemCode]; len(st) > 0 {
			return append([]string(nil), st...), nil
		}
	}
	if st := c.items[itemCode]; len(st) > 0 {
		return append([]string(nil), st...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnmapped, itemCode)
}

func normalizeMapping(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for code, stations := range in {
		if st := normalizeStations(stations); len(st) > 0 {
			out[code] = st
		}
	}
	return out
}

func normalizeStations(in []string) []string {
	var out []string
	for _, s := range in {
		if s = station.Normalize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
