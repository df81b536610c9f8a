package pricing

import (
	"errors"
	"testing"
	"time"

	"voice-platform/internal/usage"

	"github.com/shopspring/decimal"
)

func TestBillableUnits(t *testing.T) {
	if got := billableUnits(1, 0, 100); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := billableUnits(100, 0, 100); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := billableUnits(101, 0, 100); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := billableUnits(5, 30, 1); got != 30 {
		t.Fatalf("expected minimum 30, got %d", got)
	}
	if got := billableUnits(0, 30, 1); got != 0 {
		t.Fatalf("zero usage must not be billed, got %d", got)
	}
}

func TestEstimate_OpenAITTS(t *testing.T) {
	tbl := DefaultTable()
	est, err := tbl.Estimate("openai", usage.CapabilityTTS, 1000)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// 15 USD per 1M characters.
	if !est.Cost.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("expected 0.015, got %s", est.Cost)
	}
	if est.UnitKind != usage.UnitCharacters || est.Currency != "USD" {
		t.Fatalf("unexpected estimate: %+v", est)
	}
}

func TestEstimate_TwilioRoundsToHundredCharacterBlocks(t *testing.T) {
	est, err := DefaultTable().Estimate("twilio", usage.CapabilityTTS, 150)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if est.BillableUnits != 200 {
		t.Fatalf("expected 200 billable characters, got %d", est.BillableUnits)
	}
	if !est.Cost.Equal(decimal.RequireFromString("0.0016")) {
		t.Fatalf("expected 0.0016, got %s", est.Cost)
	}
}

func TestEstimate_DeepgramPerSecond(t *testing.T) {
	est, err := DefaultTable().Estimate("deepgram", usage.CapabilitySTT, 60)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !est.Cost.Equal(decimal.RequireFromString("0.0043")) {
		t.Fatalf("expected 0.0043, got %s", est.Cost)
	}
	one, _ := DefaultTable().Estimate("deepgram", usage.CapabilitySTT, 1)
	if !one.Cost.IsPositive() {
		t.Fatalf("one second must have a nonzero estimate, got %s", one.Cost)
	}
}

func TestEstimate_Errors(t *testing.T) {
	tbl := DefaultTable()
	if _, err := tbl.Estimate("nobody", usage.CapabilityTTS, 10); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
	if _, err := tbl.Estimate("deepgram", usage.CapabilityTTS, 10); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("deepgram has no TTS rate, got %v", err)
	}
	if _, err := tbl.Estimate("openai", usage.CapabilityTTS, -1); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage, got %v", err)
	}
}

func TestProjectMonthly(t *testing.T) {
	// 100k characters per day with openai -> 3M per month -> 45 USD.
	p, err := DefaultTable().ProjectMonthly("openai", usage.CapabilityTTS, 100_000, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p.ProjectedUnits != 3_000_000 {
		t.Fatalf("expected 3M units, got %d", p.ProjectedUnits)
	}
	if !p.MonthlyCost.Equal(decimal.RequireFromString("45")) {
		t.Fatalf("expected 45, got %s", p.MonthlyCost)
	}
	if _, err := DefaultTable().ProjectMonthly("openai", usage.CapabilityTTS, 1, 0); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("expected ErrInvalidUsage for zero window, got %v", err)
	}
}

func TestNewTable_RejectsDuplicates(t *testing.T) {
	r := Rate{Vendor: "x", Capability: usage.CapabilityTTS, PricePerBlock: decimal.NewFromInt(1), UnitBlock: 1}
	if _, err := NewTable([]Rate{r, r}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestAudioSeconds(t *testing.T) {
	if got := AudioSeconds(1500 * time.Millisecond); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := AudioSeconds(0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
