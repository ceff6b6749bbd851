// Package signer recovers party identities from compact recoverable
// secp256k1 signatures over agreement digests.
package signer

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"escrowflow/agreement"
)

// SignatureLen is the length of a compact recoverable signature:
// one recovery header byte followed by the 32-byte R and S values.
const SignatureLen = 65

var (
	// ErrMalformedSignature signals input that is not a well-formed
	// fixed-length recoverable signature.
	ErrMalformedSignature = errors.New("signer: malformed signature")
	// ErrRecoveryFailure signals that no valid public key could be
	// recovered from the digest and signature pair.
	ErrRecoveryFailure = errors.New("signer: public key recovery failed")
	// ErrSignatureMismatch signals a recovered identity that differs from
	// the identity the caller claimed for that signature slot.
	ErrSignatureMismatch = errors.New("signer: recovered identity mismatch")
)

// Recover returns the identity that produced sig over digest.
func Recover(digest agreement.Hash256, sig []byte) (agreement.Identity, error) {
	if len(sig) != SignatureLen {
		return agreement.Identity{}, ErrMalformedSignature
	}
	// Header byte encodes the recovery code; anything outside the compact
	// range cannot have been produced by a conforming signer.
	if sig[0] < 27 || sig[0] >= 35 {
		return agreement.Identity{}, ErrMalformedSignature
	}

	pub, _, err := secpecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return agreement.Identity{}, fmt.Errorf("%w: %v", ErrRecoveryFailure, err)
	}
	return IdentityFromPub(pub), nil
}

// VerifyBoth checks that holderSig and providerSig over digest recover to
// exactly the stated holder and provider. A provider signature presented in
// the holder slot fails even when both signatures are individually valid.
func VerifyBoth(digest agreement.Hash256, holder, provider agreement.Identity, holderSig, providerSig []byte) error {
	recoveredHolder, err := Recover(digest, holderSig)
	if err != nil {
		return fmt.Errorf("signer: holder signature: %w", err)
	}
	if recoveredHolder != holder {
		return fmt.Errorf("signer: holder slot: %w", ErrSignatureMismatch)
	}

	recoveredProvider, err := Recover(digest, providerSig)
	if err != nil {
		return fmt.Errorf("signer: provider signature: %w", err)
	}
	if recoveredProvider != provider {
		return fmt.Errorf("signer: provider slot: %w", ErrSignatureMismatch)
	}

	return nil
}

// Sign produces a compact recoverable signature over digest. Used by tests
// and client tooling; the service itself only ever recovers.
func Sign(digest agreement.Hash256, key *secp256k1.PrivateKey) []byte {
	return secpecdsa.SignCompact(key, digest[:], false)
}

// IdentityFromPub derives the 20-byte identity for a public key: the last 20
// bytes of the Keccak-256 hash of the uncompressed point coordinates.
func IdentityFromPub(pub *secp256k1.PublicKey) agreement.Identity {
	raw := pub.SerializeUncompressed()

	h := sha3.NewLegacyKeccak256()
	h.Write(raw[1:]) // drop the 0x04 point prefix
	sum := h.Sum(nil)

	var id agreement.Identity
	copy(id[:], sum[32-agreement.IdentityLen:])
	return id
}
