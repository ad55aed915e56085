package models

import "time"

// LabelCategory classifies a user label.
type LabelCategory string

const (
	CategoryPersonal LabelCategory = "personal"
	CategoryExchange LabelCategory = "exchange"
	CategoryMerchant LabelCategory = "merchant"
	CategoryMixer    LabelCategory = "mixer"
	CategoryOther    LabelCategory = "other"
)

// Valid reports whether c is a known category.
func (c LabelCategory) Valid() bool {
	switch c {
	case CategoryPersonal, CategoryExchange, CategoryMerchant, CategoryMixer, CategoryOther:
		return true
	}
	return false
}

// Label is a user annotation on an address.
type Label struct {
	Chain     string        `json:"chain"`
	Address   string        `json:"address"`
	Label     string        `json:"label"`
	Category  LabelCategory `json:"category"`
	Notes     string        `json:"notes,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
