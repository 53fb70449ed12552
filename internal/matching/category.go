package matching

import (
	"fmt"

	"github.com/openhire/matchd/internal/storage"
)

// Category is the closed MUST/SHOULD/NICE requirement classification.
// Keeping it a typed enum forces exhaustive handling at aggregation time
// instead of string comparisons scattered across the engine.
type Category int

const (
	CategoryMust Category = iota
	CategoryShould
	CategoryNice
)

// ParseCategory converts the stored category string into the enum.
func ParseCategory(s string) (Category, error) {
	switch s {
	case storage.CategoryMust:
		return CategoryMust, nil
	case storage.CategoryShould:
		return CategoryShould, nil
	case storage.CategoryNice:
		return CategoryNice, nil
	default:
		return 0, fmt.Errorf("unknown requirement category %q", s)
	}
}

func (c Category) String() string {
	switch c {
	case CategoryMust:
		return storage.CategoryMust
	case CategoryShould:
		return storage.CategoryShould
	case CategoryNice:
		return storage.CategoryNice
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}
