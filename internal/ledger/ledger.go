/*
Package ledger defines what the engine needs from the ledger it drives.
Implemented by the in-process development ledger (memledger) and by the
RPC client (rpc).
*/
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alphabill-org/automaton/internal/types"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrBlockhashExpired = errors.New("blockhash not found or expired")
	ErrAlreadyProcessed = errors.New("transaction already processed")
)

type (
	Account struct {
		_        struct{}      `cbor:",toarray"`
		Address  types.Address `json:"address"`
		Owner    types.Address `json:"owner"`
		Lamports uint64        `json:"lamports"`
		Data     hexutil.Bytes `json:"data"`
	}

	// AccountUpdate is emitted when account changes in a confirmed slot.
	// Account is nil when the account was closed.
	AccountUpdate struct {
		_       struct{}      `cbor:",toarray"`
		Address types.Address `json:"address"`
		Slot    uint64        `json:"slot"`
		Account *Account      `json:"account,omitempty"`
	}

	SimulationResult struct {
		_ struct{} `cbor:",toarray"`
		// Err is empty when the transaction would succeed.
		Err string `json:"err,omitempty"`
		// ErrCode is program specific code of the failure, zero when unknown.
		ErrCode       uint8    `json:"errCode,omitempty"`
		Logs          []string `json:"logs"`
		UnitsConsumed uint64   `json:"unitsConsumed"`
		// Accounts holds post-state of the requested addresses, nil entry
		// when the account does not exist after the transaction.
		Accounts []*Account `json:"accounts"`
	}

	SignatureStatus struct {
		_         struct{} `cbor:",toarray"`
		Slot      uint64   `json:"slot"`
		Err       string   `json:"err,omitempty"`
		ErrCode   uint8    `json:"errCode,omitempty"`
		Confirmed bool     `json:"confirmed"`
	}

	Client interface {
		GetAccount(ctx context.Context, address types.Address) (*Account, error)
		// GetProgramAccounts returns accounts owned by program whose data starts with prefix.
		GetProgramAccounts(ctx context.Context, program types.Address, prefix []byte) ([]*Account, error)
		GetClock(ctx context.Context) (types.Clock, error)
		GetLatestBlockhash(ctx context.Context) (types.Hash, error)
		SimulateTransaction(ctx context.Context, tx *types.Transaction, accounts []types.Address) (*SimulationResult, error)
		SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error)
		// GetSignatureStatuses returns status per signature, nil when the signature is unknown.
		GetSignatureStatuses(ctx context.Context, signatures []types.Signature) ([]*SignatureStatus, error)
		Health(ctx context.Context) error
	}

	// EventSource streams confirmed ledger events. Channels are closed when
	// ctx is cancelled or the source fails.
	EventSource interface {
		SubscribeAccounts(ctx context.Context) (<-chan AccountUpdate, error)
		SubscribeSlots(ctx context.Context) (<-chan types.Clock, error)
	}
)

func (r *SimulationResult) Failed() bool {
	return r.Err != ""
}

func (s *SignatureStatus) Failed() bool {
	return s != nil && s.Err != ""
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Data != nil {
		c.Data = append([]byte{}, a.Data...)
	}
	return &c
}
