package agreement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Wire format version byte. Bump only with a coordinated digest domain bump.
const codecVersion = 0x01

const (
	amountLen    = 32
	maxOpaqueLen = 4096
)

var (
	// ErrCodecVersion signals an encoding produced by an unknown format version.
	ErrCodecVersion = errors.New("agreement: unsupported encoding version")
	// ErrTruncated signals an encoding shorter than its fixed layout requires.
	ErrTruncated = errors.New("agreement: truncated encoding")
	// ErrTrailingBytes signals extra bytes after the final field.
	ErrTrailingBytes = errors.New("agreement: trailing bytes in encoding")
)

// Encode serializes the agreement in canonical fixed field order:
// version, holder, provider, amount (32-byte big endian), fundedTimeout,
// proofTimeout, nonce, deadline, destNetwork, destRecipient, adapterParams.
// Variable-length tails carry a uint16 length prefix. The encoding is
// byte-exact reproducible: equal agreements always encode identically.
func Encode(a Agreement) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if len(a.DestRecipient) > maxOpaqueLen || len(a.AdapterParams) > maxOpaqueLen {
		return nil, fmt.Errorf("agreement: opaque field exceeds %d bytes", maxOpaqueLen)
	}

	buf := make([]byte, 0, 1+2*IdentityLen+amountLen+5*8+2+len(a.DestRecipient)+2+len(a.AdapterParams))
	buf = append(buf, codecVersion)
	buf = append(buf, a.Holder[:]...)
	buf = append(buf, a.Provider[:]...)

	var amount [amountLen]byte
	a.Amount.FillBytes(amount[:])
	buf = append(buf, amount[:]...)

	buf = binary.BigEndian.AppendUint64(buf, uint64(a.FundedTimeout.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.ProofTimeout.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, a.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.Deadline.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, a.DestNetwork)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.DestRecipient)))
	buf = append(buf, a.DestRecipient...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.AdapterParams)))
	buf = append(buf, a.AdapterParams...)

	return buf, nil
}

// Decode parses a canonical encoding back into an Agreement. It rejects
// unknown versions, short input, and trailing bytes, so Decode(Encode(a))
// round-trips exactly.
func Decode(data []byte) (Agreement, error) {
	var a Agreement

	if len(data) < 1 {
		return a, ErrTruncated
	}
	if data[0] != codecVersion {
		return a, ErrCodecVersion
	}
	rest := data[1:]

	fixed := 2*IdentityLen + amountLen + 5*8
	if len(rest) < fixed {
		return a, ErrTruncated
	}

	copy(a.Holder[:], rest[:IdentityLen])
	rest = rest[IdentityLen:]
	copy(a.Provider[:], rest[:IdentityLen])
	rest = rest[IdentityLen:]

	a.Amount = new(big.Int).SetBytes(rest[:amountLen])
	rest = rest[amountLen:]

	a.FundedTimeout = time.Unix(int64(binary.BigEndian.Uint64(rest[:8])), 0).UTC()
	a.ProofTimeout = time.Unix(int64(binary.BigEndian.Uint64(rest[8:16])), 0).UTC()
	a.Nonce = binary.BigEndian.Uint64(rest[16:24])
	a.Deadline = time.Unix(int64(binary.BigEndian.Uint64(rest[24:32])), 0).UTC()
	a.DestNetwork = binary.BigEndian.Uint64(rest[32:40])
	rest = rest[40:]

	var err error
	if a.DestRecipient, rest, err = readOpaque(rest); err != nil {
		return Agreement{}, err
	}
	if a.AdapterParams, rest, err = readOpaque(rest); err != nil {
		return Agreement{}, err
	}
	if len(rest) != 0 {
		return Agreement{}, ErrTrailingBytes
	}

	if err := a.Validate(); err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func readOpaque(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < n {
		return nil, nil, ErrTruncated
	}
	if n == 0 {
		return nil, data, nil
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out, data[n:], nil
}
