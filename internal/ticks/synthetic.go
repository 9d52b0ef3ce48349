package ticks

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// pairDefaults seeds the synthetic walk with a plausible base price and
// spread per major pair. Unknown pairs fall back to the EUR_USD shape.
var pairDefaults = map[string]struct {
	base   string
	spread string
}{
	"EUR_USD": {"1.1000", "0.00020"},
	"GBP_USD": {"1.2700", "0.00030"},
	"AUD_USD": {"0.6600", "0.00025"},
	"NZD_USD": {"0.6000", "0.00030"},
	"USD_CHF": {"0.8800", "0.00025"},
	"USD_CAD": {"1.3600", "0.00025"},
	"USD_JPY": {"150.00", "0.020"},
	"EUR_JPY": {"165.00", "0.025"},
	"GBP_JPY": {"190.00", "0.030"},
}

// SyntheticSource generates a seeded random-walk tick stream for demo
// accounts. The same seed always produces the same series, so demo runs
// stay reproducible. Interval > 0 paces emission in real time; zero emits
// as fast as the consumer pulls, which tests rely on.
type SyntheticSource struct {
	instrument string
	mid        decimal.Decimal
	spread     decimal.Decimal
	step       decimal.Decimal
	rng        *rand.Rand
	now        time.Time
	interval   time.Duration
}

func NewSyntheticSource(instrument string, seed int64, interval time.Duration) *SyntheticSource {
	def, ok := pairDefaults[instrument]
	if !ok {
		def = pairDefaults["EUR_USD"]
	}
	pip := types.NewInstrument(instrument).PipSize
	return &SyntheticSource{
		instrument: instrument,
		mid:        decimal.RequireFromString(def.base),
		spread:     decimal.RequireFromString(def.spread),
		step:       pip,
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Unix(seed, 0).UTC(),
		interval:   interval,
	}
}

func (s *SyntheticSource) Next(ctx context.Context) (types.Tick, bool, error) {
	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return types.Tick{}, false, ctx.Err()
		case <-time.After(s.interval):
		}
	} else if err := ctx.Err(); err != nil {
		return types.Tick{}, false, err
	}

	// Walk the mid by -2..+2 pips per tick.
	steps := int64(s.rng.Intn(5) - 2)
	s.mid = s.mid.Add(s.step.Mul(decimal.NewFromInt(steps)))
	if !s.mid.IsPositive() {
		s.mid = s.step
	}
	half := s.spread.Div(decimal.NewFromInt(2))
	s.now = s.now.Add(time.Second)
	return types.NewTick(s.instrument, s.now, s.mid.Sub(half), s.mid.Add(half)), true, nil
}
