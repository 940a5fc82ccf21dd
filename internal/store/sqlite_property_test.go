package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"market-alerts/internal/models"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any valid alert, inserting it into SQLite and reading it back
// produces an equivalent alert.
func TestProperty_AlertRoundTripConsistency(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "alerts_property.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	s := NewSQLiteStore(db)
	defer s.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"AAPL", "NVDA", "MSFT", "BTC-USD", "ETH-USD", "SPY", "TSLA", "GLD"}
	conditionGen := gen.OneConstOf("price>200", "rsi<30", "volume>=1000000", "change_pct<=-5", "ratio==0.1")
	channelGen := gen.SliceOfN(3, gen.OneConstOf("console", "file", "webhook"))

	properties.Property("Alert round-trip: insert then get produces equivalent data", prop.ForAll(
		func(symbolIdx int, condition string, channels []string, cooldown, maxPerHour int, active bool, offsetSec int64) bool {
			ctx := context.Background()
			created := time.Unix(1700000000+offsetSec, offsetSec%1000*int64(time.Millisecond)).UTC()
			a := &models.Alert{
				ID:              uuid.NewString(),
				Symbol:          symbols[symbolIdx%len(symbols)],
				Condition:       condition,
				Channels:        channels,
				CooldownMinutes: cooldown,
				MaxPerHour:      maxPerHour,
				Active:          active,
				CreatedAt:       created,
			}
			if err := s.Insert(ctx, a); err != nil {
				t.Logf("Failed to insert alert: %v", err)
				return false
			}

			got, err := s.Get(ctx, a.ID)
			if err != nil || got == nil {
				t.Logf("Failed to get alert: %v", err)
				return false
			}

			if got.Symbol != a.Symbol || got.Condition != a.Condition ||
				got.CooldownMinutes != a.CooldownMinutes || got.MaxPerHour != a.MaxPerHour ||
				got.Active != a.Active || !got.CreatedAt.Equal(a.CreatedAt) {
				t.Logf("Mismatch: want %+v got %+v", a, got)
				return false
			}
			if len(got.Channels) != len(a.Channels) {
				return false
			}
			for i := range a.Channels {
				if got.Channels[i] != a.Channels[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		conditionGen,
		channelGen,
		gen.IntRange(0, 1440),
		gen.IntRange(0, 60),
		gen.Bool(),
		gen.Int64Range(0, 365*24*3600),
	))

	properties.TestingRun(t)
}
