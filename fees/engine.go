// Package fees computes the deterministic fee and payout breakdown for an
// agreement under the current protocol config. Everything here is pure:
// identical inputs always produce identical outputs and nothing is mutated.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"escrowflow/agreement"
	"escrowflow/bridge"
	"escrowflow/config"
)

var (
	// ErrFeeExceedsAmount signals deductions that would consume the whole
	// custodied amount or more.
	ErrFeeExceedsAmount = errors.New("fees: deductions exceed amount")
)

// Breakdown is the full cost picture for one escrow. All values are in the
// smallest currency unit and are freshly allocated per call.
type Breakdown struct {
	EscrowFee          *big.Int
	BridgeFee          *big.Int
	DestinationGas     *big.Int
	TotalDeductions    *big.Int
	NetRecipientAmount *big.Int
	MaxDisputeCost     *big.Int
}

// Quote derives the breakdown for a from cfg and, for cross-network
// destinations, the bridging quote bq. Same-network agreements
// (DestNetwork == 0) carry zero bridge costs regardless of bq.
//
// escrowFee and maxDisputeCost are basis-point fractions of the amount,
// clamped to their configured bounds; the dispute cost scales with the
// custodied amount rather than being flat, capped at the amount itself.
func Quote(a agreement.Agreement, cfg config.Config, bq bridge.Quote) (Breakdown, error) {
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("fees: amount must be positive")
	}

	escrowFee := EscrowFee(a.Amount, cfg)

	bridgeFee := big.NewInt(0)
	destinationGas := big.NewInt(0)
	if a.DestNetwork != 0 {
		if bq.BridgeFee != nil {
			bridgeFee = new(big.Int).Set(bq.BridgeFee)
		}
		if bq.DestinationGas != nil {
			destinationGas = new(big.Int).Set(bq.DestinationGas)
		}
	}

	total := new(big.Int).Add(escrowFee, bridgeFee)
	total.Add(total, destinationGas)
	if total.Cmp(a.Amount) >= 0 {
		return Breakdown{}, ErrFeeExceedsAmount
	}

	net := new(big.Int).Sub(a.Amount, total)

	disputeCost := DisputeCost(a.Amount, cfg)

	return Breakdown{
		EscrowFee:          escrowFee,
		BridgeFee:          bridgeFee,
		DestinationGas:     destinationGas,
		TotalDeductions:    total,
		NetRecipientAmount: net,
		MaxDisputeCost:     disputeCost,
	}, nil
}

// EscrowFee is the protocol fee for custodying amount under cfg, clamped to
// the configured floor and cap.
func EscrowFee(amount *big.Int, cfg config.Config) *big.Int {
	return clamp(bpsOf(amount, cfg.BaseFeeBps), cfg.MinFee, cfg.MaxFee)
}

// DisputeCost is the fee a disputing party must escrow for an escrow of this
// amount. It scales with the custodied amount and never exceeds it.
func DisputeCost(amount *big.Int, cfg config.Config) *big.Int {
	return clamp(bpsOf(amount, cfg.DisputeFeeBps), cfg.MinDisputeFee, amount)
}

// bpsOf returns amount * bps / 10000, truncating toward zero.
func bpsOf(amount *big.Int, bps uint32) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return v.Quo(v, big.NewInt(config.BpsDenominator))
}

// clamp bounds v to [lo, hi]. A nil bound is treated as absent. The cap
// wins when the bounds cross.
func clamp(v, lo, hi *big.Int) *big.Int {
	if lo != nil && v.Cmp(lo) < 0 {
		v = lo
	}
	if hi != nil && v.Cmp(hi) > 0 {
		v = hi
	}
	return new(big.Int).Set(v)
}
