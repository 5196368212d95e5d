package types

import "fmt"

// Clock is the ledger's notion of time at a confirmed slot.
type Clock struct {
	_             struct{} `cbor:",toarray"`
	Slot          uint64   `json:"slot"`
	Epoch         uint64   `json:"epoch"`
	UnixTimestamp int64    `json:"unixTimestamp"`
}

func (c Clock) String() string {
	return fmt.Sprintf("slot=%d epoch=%d ts=%d", c.Slot, c.Epoch, c.UnixTimestamp)
}
