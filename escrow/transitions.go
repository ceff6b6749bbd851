package escrow

// Role is the capacity in which a caller acts on an escrow.
type Role string

const (
	RoleHolder   Role = "holder"
	RoleProvider Role = "provider"
	// RoleArbiter is the dispute coordinator acting on an external ruling.
	RoleArbiter Role = "arbiter"
)

// Action is a request to move an escrow forward.
type Action string

const (
	ActionProvideProof Action = "provide_proof"
	ActionComplete     Action = "complete"
	ActionOpenDispute  Action = "open_dispute"
	ActionApplyRuling  Action = "apply_ruling"
)

type transitionKey struct {
	from   State
	role   Role
	action Action
}

// transitions is the single source of truth for which party may move an
// escrow from which state, and where it lands. Anything absent is rejected.
var transitions = map[transitionKey]State{
	{StateFunded, RoleProvider, ActionProvideProof}: StateProofSent,
	{StateProofSent, RoleHolder, ActionComplete}:    StateComplete,

	{StateFunded, RoleProvider, ActionOpenDispute}:  StateProviderDisputed,
	{StateProofSent, RoleHolder, ActionOpenDispute}: StateHolderDisputed,

	{StateProviderDisputed, RoleArbiter, ActionApplyRuling}: StateClosed,
	{StateHolderDisputed, RoleArbiter, ActionApplyRuling}:   StateClosed,
}

// nextState resolves the transition table. The second result reports whether
// the move is allowed at all.
func nextState(from State, role Role, action Action) (State, bool) {
	next, ok := transitions[transitionKey{from: from, role: role, action: action}]
	return next, ok
}
