package strategy

import (
	"github.com/shopspring/decimal"
	"jax-trading-assistant/libs/contracts/domain"
)

// trailState is the Velez trailing-stop automaton's state.
type trailState int

const (
	trailWatching trailState = iota
	trailPullingBack
	trailTrailing
)

// VelezConfig carries the tunables named in the configuration surface.
type VelezConfig struct {
	SMAFast               int
	SMASlow               int
	TightnessThresholdPct float64
	StrongCandleBodyPct   float64
	StopBufferPct         decimal.Decimal
	StopBufferMin         decimal.Decimal
	BuyStopExpiryCandles  int
	MaxRunCandles         int
	DojiThresholdPct      float64
}

var hundred = decimal.NewFromInt(100)

// Velez is the SMA-convergence entry + 3-state trailing-stop + max-run-exit
// reference strategy. One instance per symbol per run; construct a fresh
// one whenever a new symbol enters a run.
type Velez struct {
	symbol string
	cfg    VelezConfig

	state          trailState
	pullbackLow    decimal.Decimal
	greenCount     int
	strongRunCount int
}

// NewVelez constructs a Velez strategy instance for one symbol.
func NewVelez(symbol string, cfg VelezConfig) *Velez {
	return &Velez{symbol: symbol, cfg: cfg, state: trailWatching}
}

func (v *Velez) Symbol() string        { return v.symbol }
func (v *Velez) RequiredHistory() int  { return v.cfg.SMASlow }

// ShouldLong evaluates the five-condition entry signal. All must hold.
func (v *Velez) ShouldLong(bar domain.Bar, ind domain.IndicatorSet) bool {
	if ind.BarCount < v.cfg.SMASlow {
		return false
	}
	if !ind.Warm() {
		return false
	}

	closeF, _ := bar.Close.Float64()
	if closeF <= 0 {
		return false
	}

	fast, slow := *ind.SMAFast, *ind.SMASlow
	prevFast, prevSlow := *ind.PrevSMAFast, *ind.PrevSMASlow

	tightness := abs(fast-slow) / closeF * 100
	if !(tightness < v.cfg.TightnessThresholdPct) {
		return false
	}

	if !((fast - slow) > (prevFast - prevSlow)) {
		return false
	}

	if !(fast > slow) {
		return false
	}

	if !(bar.Close.GreaterThan(bar.Open)) {
		return false
	}
	if bodyPct(bar) < v.cfg.StrongCandleBodyPct {
		return false
	}

	return true
}

// EntryPrice is the buy-stop trigger: the bar's high.
func (v *Velez) EntryPrice(bar domain.Bar, _ domain.IndicatorSet) decimal.Decimal {
	return bar.High
}

// StopLossPrice is the bar's low, discounted by the larger of the
// percentage buffer and the absolute minimum buffer.
func (v *Velez) StopLossPrice(bar domain.Bar, _ domain.IndicatorSet) decimal.Decimal {
	pctBuffer := bar.Low.Mul(v.cfg.StopBufferPct).Div(hundred)
	buffer := pctBuffer
	if v.cfg.StopBufferMin.GreaterThan(buffer) {
		buffer = v.cfg.StopBufferMin
	}
	return bar.Low.Sub(buffer)
}

// ShouldCancelPending reports whether a pending buy-stop entry has expired.
func (v *Velez) ShouldCancelPending(_ domain.Bar, candlesSince int) bool {
	return candlesSince >= v.cfg.BuyStopExpiryCandles
}

// ShouldUpdateStop dispatches to the per-state handler of the trailing-stop
// automaton and returns the new stop price, if any.
func (v *Velez) ShouldUpdateStop(bar domain.Bar, _ domain.Position, _ domain.IndicatorSet) *decimal.Decimal {
	if isDoji(bar, v.cfg.DojiThresholdPct) {
		return nil
	}
	switch v.state {
	case trailWatching:
		return v.onWatching(bar)
	case trailPullingBack:
		return v.onPullingBack(bar)
	case trailTrailing:
		return v.onTrailing(bar)
	default:
		return nil
	}
}

func (v *Velez) onWatching(bar domain.Bar) *decimal.Decimal {
	if isRed(bar) {
		v.state = trailPullingBack
		v.pullbackLow = bar.Low
		v.greenCount = 0
	}
	return nil
}

func (v *Velez) onPullingBack(bar domain.Bar) *decimal.Decimal {
	if isRed(bar) {
		if bar.Low.LessThan(v.pullbackLow) {
			v.pullbackLow = bar.Low
		}
		v.greenCount = 0
		return nil
	}
	// green bar (doji already filtered above)
	v.greenCount++
	if v.greenCount >= 2 {
		v.state = trailTrailing
		newStop := v.pullbackLow
		return &newStop
	}
	return nil
}

func (v *Velez) onTrailing(bar domain.Bar) *decimal.Decimal {
	if isRed(bar) {
		v.state = trailWatching
	}
	return nil
}

// ShouldExit implements the max-run exit: while TRAILING, count consecutive
// strong non-doji bars and exit once the count reaches MaxRunCandles.
func (v *Velez) ShouldExit(bar domain.Bar, _ domain.Position, _ domain.IndicatorSet) bool {
	if v.state != trailTrailing {
		v.strongRunCount = 0
		return false
	}
	if isDoji(bar, v.cfg.DojiThresholdPct) || bodyPct(bar) < v.cfg.StrongCandleBodyPct {
		v.strongRunCount = 0
		return false
	}
	v.strongRunCount++
	return v.strongRunCount >= v.cfg.MaxRunCandles
}

// OnPositionClosed resets all per-instance state back to WATCHING.
func (v *Velez) OnPositionClosed() {
	v.state = trailWatching
	v.pullbackLow = decimal.Zero
	v.greenCount = 0
	v.strongRunCount = 0
}

func isRed(bar domain.Bar) bool  { return bar.Close.LessThan(bar.Open) }

func bodyPct(bar domain.Bar) float64 {
	rangeD := bar.High.Sub(bar.Low)
	if rangeD.IsZero() {
		return 0
	}
	body := bar.Close.Sub(bar.Open).Abs()
	ratio, _ := body.Div(rangeD).Float64()
	return ratio * 100
}

func isDoji(bar domain.Bar, thresholdPct float64) bool {
	return bodyPct(bar) < thresholdPct
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
