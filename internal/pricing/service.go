package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"voice-platform/internal/usage"

	"github.com/shopspring/decimal"
)

// Table estimates vendor spend from a static rate table.
//
// Contract:
// - Pure calculation: no network, no persistence, no clock.
// - Safe for concurrent use; the table is immutable after construction.
type Table struct {
	rates map[rateKey]Rate
}

type rateKey struct {
	vendor     string
	capability usage.Capability
}

var (
	ErrRateNotFound = errors.New("pricing: rate not found")
	ErrInvalidUsage = errors.New("pricing: invalid usage")
)

// NewTable validates rates and indexes them by (vendor, capability).
func NewTable(rates []Rate) (*Table, error) {
	t := &Table{rates: make(map[rateKey]Rate, len(rates))}
	for _, r := range rates {
		if r.Vendor == "" || !r.Capability.Valid() {
			return nil, fmt.Errorf("pricing: rate needs vendor and capability: %+v", r)
		}
		if r.UnitBlock <= 0 || r.PricePerBlock.IsNegative() {
			return nil, fmt.Errorf("pricing: invalid price for %s/%s", r.Vendor, r.Capability)
		}
		if r.Currency == "" {
			r.Currency = "USD"
		}
		if r.UnitKind == "" {
			r.UnitKind = usage.UnitKindFor(r.Capability)
		}
		k := rateKey{vendor: r.Vendor, capability: r.Capability}
		if _, dup := t.rates[k]; dup {
			return nil, fmt.Errorf("pricing: duplicate rate for %s/%s", r.Vendor, r.Capability)
		}
		t.rates[k] = r
	}
	return t, nil
}

// DefaultTable returns the built-in list-price table.
func DefaultTable() *Table {
	t, err := NewTable(DefaultRates())
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Rate(vendor string, capability usage.Capability) (Rate, bool) {
	r, ok := t.rates[rateKey{vendor: vendor, capability: capability}]
	return r, ok
}

// Estimate prices units (characters for TTS, audio seconds for STT) for one vendor.
func (t *Table) Estimate(vendor string, capability usage.Capability, units int64) (Estimate, error) {
	if vendor == "" || !capability.Valid() || units < 0 {
		return Estimate{}, ErrInvalidUsage
	}
	r, ok := t.Rate(vendor, capability)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: %s/%s", ErrRateNotFound, vendor, capability)
	}

	billable := billableUnits(units, r.MinimumUnits, r.BillingIncrement)
	return Estimate{
		Vendor:        vendor,
		Capability:    capability,
		UnitKind:      r.UnitKind,
		Units:         units,
		BillableUnits: billable,
		Currency:      r.Currency,
		Cost:          costOf(r, billable),
	}, nil
}

// ProjectMonthly scales units observed over window to a 30-day month and prices
// the projected volume as a single aggregate.
func (t *Table) ProjectMonthly(vendor string, capability usage.Capability, observedUnits int64, window time.Duration) (Projection, error) {
	if vendor == "" || !capability.Valid() || observedUnits < 0 || window <= 0 {
		return Projection{}, ErrInvalidUsage
	}
	r, ok := t.Rate(vendor, capability)
	if !ok {
		return Projection{}, fmt.Errorf("%w: %s/%s", ErrRateNotFound, vendor, capability)
	}

	scale := float64(projectionMonth) / float64(window)
	projected := int64(math.Ceil(float64(observedUnits) * scale))

	return Projection{
		Vendor:         vendor,
		Capability:     capability,
		ObservedUnits:  observedUnits,
		WindowSeconds:  window.Seconds(),
		ProjectedUnits: projected,
		Currency:       r.Currency,
		MonthlyCost:    costOf(r, projected),
	}, nil
}

// AudioSeconds converts a transcribed duration to whole billable seconds (rounded up).
func AudioSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func costOf(r Rate, billable int64) decimal.Decimal {
	if billable <= 0 {
		return decimal.Zero
	}
	return r.PricePerBlock.
		Mul(decimal.NewFromInt(billable)).
		Div(decimal.NewFromInt(r.UnitBlock)).
		Round(costPlaces)
}

func billableUnits(actual, minUnits, increment int64) int64 {
	if actual <= 0 {
		return 0
	}
	if minUnits < 0 {
		minUnits = 0
	}
	if increment <= 0 {
		increment = 1
	}

	n := actual
	if n < minUnits {
		n = minUnits
	}

	// round up to nearest increment
	q := n / increment
	if n%increment != 0 {
		q++
	}
	return q * increment
}
