package test

import (
	"crypto/rand"
	"fmt"

	"github.com/alphabill-org/automaton/internal/types"
)

func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	_, err := rand.Read(bytes)
	if err != nil {
		panic(err)
	}
	return bytes
}

func RandomString(len int) string {
	b := RandomBytes(len/2 + 1)
	return fmt.Sprintf("%x", b)[:len]
}

func RandomAddress() types.Address {
	var a types.Address
	copy(a[:], RandomBytes(types.AddressLength))
	return a
}
