package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"purchasing-core/internal/invoice"
)

// ProductResolver matches a document line to an existing product. It returns
// (nil, nil) when nothing matches so the caller can create one.
type ProductResolver interface {
	Resolve(ctx context.Context, tx Tx, item invoice.LineItem) (*Product, error)
}

// CodeResolver matches on the seller's item code exactly.
type CodeResolver struct{}

func (CodeResolver) Resolve(ctx context.Context, tx Tx, item invoice.LineItem) (*Product, error) {
	code := strings.TrimSpace(item.Code)
	if code == "" {
		return nil, nil
	}
	p, err := tx.FindProductByCode(ctx, code)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find product by code %q: %w", code, err)
	}
	return p, nil
}

// DescriptionResolver picks the oldest active product whose description contains
// the line description. Lines that carry a code are left to CodeResolver.
type DescriptionResolver struct {
	// MinLength guards against matching on very short descriptions.
	MinLength int
}

func (r DescriptionResolver) Resolve(ctx context.Context, tx Tx, item invoice.LineItem) (*Product, error) {
	if strings.TrimSpace(item.Code) != "" {
		return nil, nil
	}
	desc := strings.Join(strings.Fields(item.Description), " ")
	minLen := r.MinLength
	if minLen <= 0 {
		minLen = 4
	}
	if len([]rune(desc)) < minLen {
		return nil, nil
	}
	matches, err := tx.SearchProducts(ctx, desc, 1)
	if err != nil {
		return nil, fmt.Errorf("search products by description: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// ChainResolver tries each resolver in order and returns the first match.
type ChainResolver []ProductResolver

func (c ChainResolver) Resolve(ctx context.Context, tx Tx, item invoice.LineItem) (*Product, error) {
	for _, r := range c {
		p, err := r.Resolve(ctx, tx, item)
		if err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

// NewProductResolver returns exact-code matching, followed by description matching
// when fuzzy is set.
func NewProductResolver(fuzzy bool) ProductResolver {
	if !fuzzy {
		return ChainResolver{CodeResolver{}}
	}
	return ChainResolver{CodeResolver{}, DescriptionResolver{}}
}
