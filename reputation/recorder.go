// Package reputation is the fire-and-forget boundary to the scoring oracle.
// Recording an outcome must never fail the state transition that produced it.
package reputation

import (
	"context"

	"github.com/rs/zerolog"

	"escrowflow/agreement"
)

// Outcome is what the oracle learns about a party after settlement.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeWonDispute  Outcome = "won_dispute"
	OutcomeLostDispute Outcome = "lost_dispute"
)

// Recorder forwards settlement outcomes to the scoring oracle. Callers treat
// errors as advisory: log and move on.
type Recorder interface {
	Record(ctx context.Context, party agreement.Identity, outcome Outcome) error
}

// LogRecorder writes outcomes to the structured log instead of a live
// oracle. It is the default wiring when no oracle endpoint is configured.
type LogRecorder struct {
	log zerolog.Logger
}

// NewLogRecorder builds a recorder over the given logger.
func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, party agreement.Identity, outcome Outcome) error {
	r.log.Info().
		Str("party", party.String()).
		Str("outcome", string(outcome)).
		Msg("reputation outcome")
	return nil
}
