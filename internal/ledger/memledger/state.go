package memledger

import (
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/types"
)

type accountView interface {
	account(addr types.Address) (*ledger.Account, bool)
}

type accountMap map[types.Address]*ledger.Account

func (m accountMap) account(addr types.Address) (*ledger.Account, bool) {
	acc, ok := m[addr]
	return acc, ok
}

/*
txState is a copy-on-write layer over an account view. Accounts returned by
load must not be modified, modify returns a private copy which becomes part
of the layer's changes.
*/
type txState struct {
	base accountView
	// nil value marks deleted account
	written map[types.Address]*ledger.Account
}

func newTxState(base accountView) *txState {
	return &txState{base: base, written: make(map[types.Address]*ledger.Account)}
}

func (s *txState) account(addr types.Address) (*ledger.Account, bool) {
	if acc, ok := s.written[addr]; ok {
		return acc, acc != nil
	}
	return s.base.account(addr)
}

func (s *txState) load(addr types.Address) *ledger.Account {
	acc, _ := s.account(addr)
	return acc
}

func (s *txState) modify(addr types.Address) *ledger.Account {
	if acc, ok := s.written[addr]; ok {
		return acc
	}
	acc, ok := s.base.account(addr)
	if !ok {
		return nil
	}
	c := acc.Clone()
	s.written[addr] = c
	return c
}

func (s *txState) put(acc *ledger.Account) {
	s.written[acc.Address] = acc
}

func (s *txState) remove(addr types.Address) {
	s.written[addr] = nil
}

// mergeInto moves the changes of s into parent layer.
func (s *txState) mergeInto(parent *txState) {
	for addr, acc := range s.written {
		parent.written[addr] = acc
	}
}
