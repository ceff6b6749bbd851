// Package config holds the protocol parameters governed outside the core.
// The core never caches them: every operation loads the current row.
package config

import (
	"errors"
	"math/big"
	"time"

	"escrowflow/agreement"
)

// BpsDenominator converts basis points to a fraction.
const BpsDenominator = 10_000

// Config is the live parameter set read on every protocol operation.
type Config struct {
	Version       int64
	BaseFeeBps    uint32
	MinFee        *big.Int
	MaxFee        *big.Int
	DisputeFeeBps uint32
	MinDisputeFee *big.Int
	MinTimeout    time.Duration
	MaxTimeout    time.Duration
	FeeRecipient  agreement.Identity
}

// ErrInvalidConfig signals a parameter set that can never admit a valid escrow.
var ErrInvalidConfig = errors.New("config: invalid parameter set")

// Validate rejects parameter sets that are internally inconsistent.
func (c Config) Validate() error {
	if c.BaseFeeBps > BpsDenominator || c.DisputeFeeBps > BpsDenominator {
		return ErrInvalidConfig
	}
	if c.MinFee == nil || c.MaxFee == nil || c.MinDisputeFee == nil {
		return ErrInvalidConfig
	}
	if c.MinFee.Sign() < 0 || c.MinDisputeFee.Sign() < 0 {
		return ErrInvalidConfig
	}
	if c.MaxFee.Cmp(c.MinFee) < 0 {
		return ErrInvalidConfig
	}
	if c.MinTimeout <= 0 || c.MaxTimeout < c.MinTimeout {
		return ErrInvalidConfig
	}
	if c.FeeRecipient.IsZero() {
		return ErrInvalidConfig
	}
	return nil
}
