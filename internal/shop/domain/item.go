package domain

import (
	"fmt"
	"strings"
	"time"
)

type ItemStatus string

const (
	ItemAvailable ItemStatus = "AVAILABLE"
	ItemSold      ItemStatus = "SOLD"
)

// Variant maps a size label to the fulfillment provider's variant id. The
// JSON shape matches the persisted variants column.
type Variant struct {
	Size              string `json:"size"`
	ProviderVariantID string `json:"variantId"`
}

type Item struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	ImageURL          string     `json:"image_url"`
	ProviderProductID string     `json:"provider_product_id"`
	Variants          []Variant  `json:"variants"`
	Status            ItemStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	SoldAt            *time.Time `json:"sold_at,omitempty"`
}

func (it Item) Variant(size string) (Variant, bool) {
	for _, v := range it.Variants {
		if v.Size == size {
			return v, true
		}
	}
	return Variant{}, false
}

func (it Item) Sizes() []string {
	out := make([]string, 0, len(it.Variants))
	for _, v := range it.Variants {
		out = append(out, v.Size)
	}
	return out
}

// Validate checks an item before it enters the catalog. Variants must be
// populated here because checkout and finalization resolve against them.
func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if strings.TrimSpace(it.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	if strings.TrimSpace(it.ProviderProductID) == "" {
		return fmt.Errorf("%w: provider_product_id is required", ErrInvalidItem)
	}
	if len(it.Variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrInvalidItem)
	}
	seen := make(map[string]bool, len(it.Variants))
	for _, v := range it.Variants {
		if strings.TrimSpace(v.Size) == "" || strings.TrimSpace(v.ProviderVariantID) == "" {
			return fmt.Errorf("%w: each variant needs size and variantId", ErrInvalidItem)
		}
		if seen[v.Size] {
			return fmt.Errorf("%w: duplicate size %q", ErrInvalidItem, v.Size)
		}
		seen[v.Size] = true
	}
	return nil
}
