package pricing

import (
	"time"

	"voice-platform/internal/usage"

	"github.com/shopspring/decimal"
)

// Rate is one vendor's list price for one capability.
//
// Cost = PricePerBlock * billableUnits / UnitBlock, where billableUnits is the
// consumed quantity raised to MinimumUnits and rounded up to BillingIncrement.
type Rate struct {
	Vendor     string           `json:"vendor"`
	Capability usage.Capability `json:"capability"`
	UnitKind   usage.UnitKind   `json:"unit_kind"`
	Currency   string           `json:"currency"`

	// PricePerBlock is the list price for UnitBlock units (e.g. per 1M characters, per 60 seconds).
	PricePerBlock decimal.Decimal `json:"price_per_block"`
	UnitBlock     int64           `json:"unit_block"`

	// BillingIncrement (e.g. 1 for per-character, 100 for per-100-character billing).
	BillingIncrement int64 `json:"billing_increment"`

	// MinimumUnits enforces a minimum charge quantity per invocation.
	MinimumUnits int64 `json:"minimum_units"`
}

// Estimate is the priced result for one usage quantity.
type Estimate struct {
	Vendor        string           `json:"vendor"`
	Capability    usage.Capability `json:"capability"`
	UnitKind      usage.UnitKind   `json:"unit_kind"`
	Units         int64            `json:"units"`
	BillableUnits int64            `json:"billable_units"`
	Currency      string           `json:"currency"`
	Cost          decimal.Decimal  `json:"cost"`
}

// Projection scales observed volume to a 30-day month.
type Projection struct {
	Vendor         string           `json:"vendor"`
	Capability     usage.Capability `json:"capability"`
	ObservedUnits  int64            `json:"observed_units"`
	WindowSeconds  float64          `json:"window_seconds"`
	ProjectedUnits int64            `json:"projected_units"`
	Currency       string           `json:"currency"`
	MonthlyCost    decimal.Decimal  `json:"monthly_cost"`
}

// projectionMonth is the month length used for spend projections.
const projectionMonth = 30 * 24 * time.Hour

// costPlaces is the rounding precision for estimates (sub-cent vendor pricing).
const costPlaces = 6
