package pricing

import (
	"voice-platform/internal/usage"

	"github.com/shopspring/decimal"
)

// DefaultRates is the static list-price table. Prices are USD estimates taken
// from the vendors' public pricing pages; they are not invoices.
func DefaultRates() []Rate {
	return []Rate{
		{
			Vendor: "elevenlabs", Capability: usage.CapabilityTTS, UnitKind: usage.UnitCharacters, Currency: "USD",
			PricePerBlock: decimal.RequireFromString("180.00"), UnitBlock: 1_000_000, BillingIncrement: 1,
		},
		{
			Vendor: "openai", Capability: usage.CapabilityTTS, UnitKind: usage.UnitCharacters, Currency: "USD",
			PricePerBlock: decimal.RequireFromString("15.00"), UnitBlock: 1_000_000, BillingIncrement: 1,
		},
		{
			// Twilio bills <Say> with neural voices per started block of 100 characters.
			Vendor: "twilio", Capability: usage.CapabilityTTS, UnitKind: usage.UnitCharacters, Currency: "USD",
			PricePerBlock: decimal.RequireFromString("8.00"), UnitBlock: 1_000_000, BillingIncrement: 100,
		},
		{
			Vendor: "deepgram", Capability: usage.CapabilitySTT, UnitKind: usage.UnitAudioSeconds, Currency: "USD",
			PricePerBlock: decimal.RequireFromString("0.0043"), UnitBlock: 60, BillingIncrement: 1,
		},
		{
			Vendor: "openai", Capability: usage.CapabilitySTT, UnitKind: usage.UnitAudioSeconds, Currency: "USD",
			PricePerBlock: decimal.RequireFromString("0.006"), UnitBlock: 60, BillingIncrement: 1,
		},
	}
}
