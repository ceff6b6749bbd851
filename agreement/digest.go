package agreement

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Domain identifies the verifying system. Signatures over a digest produced
// under one domain are worthless under any other, which prevents replaying a
// signed agreement against a different deployment or network.
type Domain struct {
	Name      string
	Version   string
	NetworkID uint64
	Verifier  Identity
}

// Hash256 is a Keccak-256 digest.
type Hash256 [32]byte

var (
	domainTypeDescriptor = []byte(
		"Domain(string name,string version,uint64 networkId,address verifier)")
	agreementTypeDescriptor = []byte(
		"Agreement(address holder,address provider,uint256 amount," +
			"uint64 fundedTimeout,uint64 proofTimeout,uint64 nonce,uint64 deadline," +
			"uint64 destNetwork,bytes destRecipient,bytes adapterParams)")
)

// Digest computes the domain-bound signing digest of the agreement:
// keccak(0x19 || 0x01 || domainHash || structHash), where structHash covers
// every field in fixed order under the agreement type descriptor hash and
// domainHash binds the verifier identity and network. Changing any field of
// either input changes the result.
func Digest(a Agreement, d Domain) Hash256 {
	structHash := hashStruct(a)
	domainHash := hashDomain(d)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte{0x19, 0x01})
	h.Write(domainHash[:])
	h.Write(structHash[:])

	var out Hash256
	h.Sum(out[:0])
	return out
}

func hashDomain(d Domain) Hash256 {
	h := sha3.NewLegacyKeccak256()
	h.Write(keccak(domainTypeDescriptor))
	h.Write(keccak([]byte(d.Name)))
	h.Write(keccak([]byte(d.Version)))
	h.Write(word64(d.NetworkID))
	h.Write(wordIdentity(d.Verifier))

	var out Hash256
	h.Sum(out[:0])
	return out
}

func hashStruct(a Agreement) Hash256 {
	var amount [32]byte
	if a.Amount != nil {
		a.Amount.FillBytes(amount[:])
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(keccak(agreementTypeDescriptor))
	h.Write(wordIdentity(a.Holder))
	h.Write(wordIdentity(a.Provider))
	h.Write(amount[:])
	h.Write(word64(uint64(a.FundedTimeout.Unix())))
	h.Write(word64(uint64(a.ProofTimeout.Unix())))
	h.Write(word64(a.Nonce))
	h.Write(word64(uint64(a.Deadline.Unix())))
	h.Write(word64(a.DestNetwork))
	h.Write(keccak(a.DestRecipient))
	h.Write(keccak(a.AdapterParams))

	var out Hash256
	h.Sum(out[:0])
	return out
}

// keccak returns the Keccak-256 digest of data.
func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// word64 left-pads a uint64 into a 32-byte word.
func word64(v uint64) []byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w[:]
}

// wordIdentity left-pads an identity into a 32-byte word.
func wordIdentity(id Identity) []byte {
	var w [32]byte
	copy(w[32-IdentityLen:], id[:])
	return w[:]
}
