package models

// EntityKind is the type of a known entity.
type EntityKind string

const (
	EntityExchange EntityKind = "exchange"
	EntityMixer    EntityKind = "mixer"
)

// Entity is a known exchange or mixer address.
type Entity struct {
	Name       string     `json:"name" yaml:"name"`
	Kind       EntityKind `json:"kind" yaml:"kind"`
	WalletType string     `json:"wallet_type,omitempty" yaml:"wallet_type"`
	RiskTier   string     `json:"risk_tier" yaml:"risk_tier"`
	Address    string     `json:"address" yaml:"-"`
}
