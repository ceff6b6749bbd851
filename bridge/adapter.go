// Package bridge is the boundary to the cross-network forwarding service.
// The core treats it as a black box: a synchronous fee quote plus a
// fund-forwarding call, both keyed by destination network id.
package bridge

import (
	"context"
	"errors"
	"math/big"
)

// Quote is the bridging cost for moving a given amount to a destination
// network. Both components are deducted from the custodied amount.
type Quote struct {
	BridgeFee      *big.Int
	DestinationGas *big.Int
}

// ErrUnsupportedNetwork signals a destination the adapter cannot reach.
var ErrUnsupportedNetwork = errors.New("bridge: unsupported destination network")

// Adapter quotes and forwards funds across networks. Network id 0 is the
// local network; callers never invoke the adapter for it.
type Adapter interface {
	Quote(ctx context.Context, network uint64, amount *big.Int, adapterParams []byte) (Quote, error)
	Forward(ctx context.Context, network uint64, recipient []byte, adapterParams []byte, amount *big.Int) error
}

// StaticAdapter serves quotes from a fixed per-network fee table and accepts
// every forward for a known network. It stands in for a real bridging service
// in tests and single-network deployments.
type StaticAdapter struct {
	Fees map[uint64]Quote
}

// NewStaticAdapter builds an adapter over a fixed fee table.
func NewStaticAdapter(fees map[uint64]Quote) *StaticAdapter {
	return &StaticAdapter{Fees: fees}
}

func (s *StaticAdapter) Quote(_ context.Context, network uint64, _ *big.Int, _ []byte) (Quote, error) {
	q, ok := s.Fees[network]
	if !ok {
		return Quote{}, ErrUnsupportedNetwork
	}
	return Quote{
		BridgeFee:      new(big.Int).Set(q.BridgeFee),
		DestinationGas: new(big.Int).Set(q.DestinationGas),
	}, nil
}

func (s *StaticAdapter) Forward(_ context.Context, network uint64, _ []byte, _ []byte, _ *big.Int) error {
	if _, ok := s.Fees[network]; !ok {
		return ErrUnsupportedNetwork
	}
	return nil
}
