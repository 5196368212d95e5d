package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const DiscriminatorLength = 8

type Discriminator [DiscriminatorLength]byte

var ErrDiscriminatorMismatch = errors.New("discriminator mismatch")

// AccountDiscriminator returns the prefix of account data of the given kind.
func AccountDiscriminator(name string) Discriminator {
	return discriminator("account:" + name)
}

// InstructionDiscriminator returns the prefix of instruction data of the given name.
func InstructionDiscriminator(name string) Discriminator {
	return discriminator("global:" + name)
}

func discriminator(preimage string) Discriminator {
	h := sha256.Sum256([]byte(preimage))
	var d Discriminator
	copy(d[:], h[:DiscriminatorLength])
	return d
}

// Encode returns discriminator followed by CBOR encoding of v.
func (d Discriminator) Encode(v any) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(d[:], b...), nil
}

// Decode checks the prefix of data and decodes the rest into v.
func (d Discriminator) Decode(data []byte, v any) error {
	if !d.Matches(data) {
		return ErrDiscriminatorMismatch
	}
	if err := cbor.Unmarshal(data[DiscriminatorLength:], v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

func (d Discriminator) Matches(data []byte) bool {
	return len(data) >= DiscriminatorLength && bytes.Equal(data[:DiscriminatorLength], d[:])
}
