// Package pricing turns a (model, options, quantity, discount) selection into
// a cost in credits. List prices are whole credits; a discounted total is
// rounded UP to the next whole credit so rounding never under-charges.
package pricing

import (
	"context"

	"github.com/pixelforge/backend/internal/modelspec"
)

// PriceSource supplies price-table snapshots per model. Implemented by
// repository.PriceRepo.
type PriceSource interface {
	PriceMap(ctx context.Context, modelKey string) (map[string]int64, error)
	ProviderMap(ctx context.Context, modelKey string) (map[string]int64, error)
}

// Modifier is one additive option surcharge included in a breakdown.
type Modifier struct {
	PriceKey string `json:"price_key"`
	Credits  int64  `json:"credits"`
}

// Breakdown is the result of resolving a cost. Bundle-priced selections have
// Base == PerOutput and no modifiers.
type Breakdown struct {
	Base        int64      `json:"base"`
	Modifiers   []Modifier `json:"modifiers,omitempty"`
	PerOutput   int64      `json:"per_output"`
	Outputs     int        `json:"outputs"`
	DiscountPct int        `json:"discount_pct"`
	Total       int64      `json:"total"`
}

// Subtotal is the undiscounted cost for all outputs.
func (b Breakdown) Subtotal() int64 {
	return b.PerOutput * int64(b.Outputs)
}

type Resolver struct {
	prices PriceSource
}

func NewResolver(prices PriceSource) *Resolver {
	return &Resolver{prices: prices}
}

// ResolveCost computes what the account is charged for the selection.
// A bundle key, when the model defines one and the price table carries the
// row, replaces base+modifiers with a flat per-output price.
func (r *Resolver) ResolveCost(ctx context.Context, spec *modelspec.Spec, options map[string]string, outputs, discountPct int) (Breakdown, error) {
	priceMap, err := r.prices.PriceMap(ctx, spec.Key)
	if err != nil {
		return Breakdown{}, err
	}
	return resolve(spec, priceMap, options, outputs, discountPct), nil
}

// ResolveProviderCredits computes what the upstream provider will charge us
// for the selection, in provider credits. Discounts never apply: they are a
// customer-side concept.
func (r *Resolver) ResolveProviderCredits(ctx context.Context, spec *modelspec.Spec, options map[string]string, outputs int) (int64, error) {
	providerMap, err := r.prices.ProviderMap(ctx, spec.Key)
	if err != nil {
		return 0, err
	}
	b := resolve(spec, providerMap, options, outputs, 0)
	return b.Total, nil
}

func resolve(spec *modelspec.Spec, priceMap map[string]int64, options map[string]string, outputs, discountPct int) Breakdown {
	if spec.BundleKey != nil {
		if key := spec.BundleKey(options); key != "" {
			if flat, ok := priceMap[key]; ok {
				return withTotal(Breakdown{
					Base:        flat,
					PerOutput:   flat,
					Outputs:     outputs,
					DiscountPct: discountPct,
				})
			}
		}
	}

	base := priceMap["base"]
	var modifiers []Modifier
	perOutput := base
	for _, opt := range spec.Options {
		value, ok := options[opt.Key]
		if !ok {
			value = opt.Default
		}
		priceKey := spec.PriceKeyFor(opt.Key, value)
		if priceKey == "" {
			continue
		}
		credits, ok := priceMap[priceKey]
		if !ok {
			continue
		}
		modifiers = append(modifiers, Modifier{PriceKey: priceKey, Credits: credits})
		perOutput += credits
	}
	return withTotal(Breakdown{
		Base:        base,
		Modifiers:   modifiers,
		PerOutput:   perOutput,
		Outputs:     outputs,
		DiscountPct: discountPct,
	})
}

func withTotal(b Breakdown) Breakdown {
	subtotal := b.Subtotal()
	if b.DiscountPct > 0 {
		// Ceiling division: the discounted total rounds up to a whole
		// credit, in the operator's favor.
		b.Total = (subtotal*int64(100-b.DiscountPct) + 99) / 100
	} else {
		b.Total = subtotal
	}
	return b
}
