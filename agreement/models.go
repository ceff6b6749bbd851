package agreement

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// IdentityLen is the byte length of a party identity.
const IdentityLen = 20

// Identity is a 20-byte party identifier derived from a signing key.
type Identity [IdentityLen]byte

// ErrInvalidIdentity signals a malformed identity string.
var ErrInvalidIdentity = errors.New("agreement: invalid identity")

// ParseIdentity decodes a 0x-prefixed 40-char hex identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != IdentityLen*2 {
		return Identity{}, ErrInvalidIdentity
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, ErrInvalidIdentity
	}
	copy(id[:], b)
	return id, nil
}

// String renders the identity as 0x-prefixed lowercase hex.
func (id Identity) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is all zero bytes.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Agreement is the signed terms of a custody transaction. It is immutable once
// signed: both parties sign the domain-bound digest of exactly these fields.
// Amounts are in the smallest currency unit, timestamps are second precision.
type Agreement struct {
	Holder        Identity
	Provider      Identity
	Amount        *big.Int
	FundedTimeout time.Time
	ProofTimeout  time.Time
	Nonce         uint64
	Deadline      time.Time
	DestNetwork   uint64
	DestRecipient []byte
	AdapterParams []byte
}

// Validate performs structural checks that do not depend on protocol config.
func (a Agreement) Validate() error {
	if a.Holder.IsZero() || a.Provider.IsZero() {
		return fmt.Errorf("agreement: holder and provider are required")
	}
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return fmt.Errorf("agreement: amount must be positive")
	}
	if a.Amount.BitLen() > 256 {
		return fmt.Errorf("agreement: amount exceeds 256 bits")
	}
	if !a.ProofTimeout.After(a.FundedTimeout) {
		return fmt.Errorf("agreement: proof timeout must follow funded timeout")
	}
	return nil
}
