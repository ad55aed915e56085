// Package entities loads the table of known exchange and mixer addresses.
package entities

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/thanhnp/chainforensics/internal/models"
)

//go:embed default_entities.yaml
var defaultEntities []byte

type entry struct {
	Name       string            `yaml:"name"`
	Kind       models.EntityKind `yaml:"kind"`
	Chain      string            `yaml:"chain"`
	RiskTier   string            `yaml:"risk_tier"`
	WalletType string            `yaml:"wallet_type"`
	Addresses  []string          `yaml:"addresses"`
}

// Table maps addresses to known entities per chain. It is immutable after
// construction.
type Table struct {
	byChain map[string]map[string]models.Entity
}

// Default returns the embedded table.
func Default() (*Table, error) {
	return Parse(defaultEntities)
}

// Load reads a table from path, or the embedded table when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entities file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML entity list. An address listed twice is an error.
func Parse(data []byte) (*Table, error) {
	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse entities: %w", err)
	}

	t := &Table{byChain: make(map[string]map[string]models.Entity)}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("entity without name")
		}
		if e.Kind != models.EntityExchange && e.Kind != models.EntityMixer {
			return nil, fmt.Errorf("entity %s: unknown kind %q", e.Name, e.Kind)
		}
		chain := e.Chain
		if chain == "" {
			chain = "btc"
		}
		m, ok := t.byChain[chain]
		if !ok {
			m = make(map[string]models.Entity)
			t.byChain[chain] = m
		}
		for _, addr := range e.Addresses {
			if prev, dup := m[addr]; dup {
				return nil, fmt.Errorf("address %s listed for both %s and %s", addr, prev.Name, e.Name)
			}
			m[addr] = models.Entity{
				Name:       e.Name,
				Kind:       e.Kind,
				WalletType: e.WalletType,
				RiskTier:   e.RiskTier,
				Address:    addr,
			}
		}
	}
	return t, nil
}

// Lookup returns the entity owning address on chain.
func (t *Table) Lookup(chain, address string) (models.Entity, bool) {
	e, ok := t.byChain[chain][address]
	return e, ok
}

// List returns the entities of chain ordered by name then address.
func (t *Table) List(chain string) []models.Entity {
	list := make([]models.Entity, 0, len(t.byChain[chain]))
	for _, e := range t.byChain[chain] {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Address < list[j].Address
	})
	return list
}

// Len returns the number of addresses known for chain.
func (t *Table) Len(chain string) int {
	return len(t.byChain[chain])
}
