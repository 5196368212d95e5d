package automation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/automaton/internal/types"
)

const (
	// BaseFeeReimbursement is paid to the worker when the pipeline finishes
	// or rate limit worth of execs accumulated since the last reimbursement.
	BaseFeeReimbursement = 5000

	MaxIDLength   = 32
	MaxNameLength = 64
	// DefaultRateLimit is used when automation is created with zero rate limit.
	DefaultRateLimit = 10
)

var (
	ProgramID = types.ProgramAddress("automation")

	// PayerPlaceholder may be used in pipeline instructions in place of an
	// account which pays for the step, the ledger substitutes the signer of
	// the exec transaction for it.
	PayerPlaceholder = types.DeriveAddress(ProgramID, []byte("payer"))

	accountKind = types.AccountDiscriminator("Automation")
)

type (
	Automation struct {
		Authority       types.Address
		ID              []byte
		Name            string
		CreatedAt       types.Clock
		Instructions    []*types.Instruction
		NextInstruction *types.Instruction
		Trigger         Trigger
		ExecContext     *ExecContext
		RateLimit       uint64
		Fee             uint64
		Paused          bool
	}

	ExecContext struct {
		ExecIndex               uint64
		ExecsSinceReimbursement uint64
		ExecsSinceSlot          uint64
		LastExecAt              uint64
		TriggerContext          TriggerContext
	}

	automationRecord struct {
		_               struct{} `cbor:",toarray"`
		Authority       types.Address
		ID              []byte
		Name            string
		CreatedAt       types.Clock
		Instructions    []*types.Instruction
		NextInstruction *types.Instruction
		Trigger         *taggedUnion
		ExecContext     *execContextRecord
		RateLimit       uint64
		Fee             uint64
		Paused          bool
	}

	execContextRecord struct {
		_                       struct{} `cbor:",toarray"`
		ExecIndex               uint64
		ExecsSinceReimbursement uint64
		ExecsSinceSlot          uint64
		LastExecAt              uint64
		TriggerContext          *taggedUnion
	}
)

// Address returns the ledger address of the automation owned by authority.
func Address(authority types.Address, id []byte) types.Address {
	return types.DeriveAddress(ProgramID, []byte("automation"), authority[:], id)
}

func (a *Automation) Address() types.Address {
	return Address(a.Authority, a.ID)
}

// Idle reports whether the automation waits for its trigger.
func (a *Automation) Idle() bool {
	return a.NextInstruction == nil
}

/*
Spent reports whether the automation has a one-shot trigger which has
already fired and the pipeline has finished. Such automation can only be
brought back to life with Reset or trigger Update.
*/
func (a *Automation) Spent() bool {
	if a.NextInstruction != nil || a.ExecContext == nil {
		return false
	}
	switch a.Trigger.(type) {
	case *ImmediateTrigger, *SlotTrigger, *EpochTrigger, *TimestampTrigger:
		return true
	default:
		return false
	}
}

func (a *Automation) Clone() *Automation {
	c := *a
	c.ID = append([]byte{}, a.ID...)
	c.Instructions = make([]*types.Instruction, len(a.Instructions))
	for i, ix := range a.Instructions {
		c.Instructions[i] = ix.Clone()
	}
	c.NextInstruction = a.NextInstruction.Clone()
	if a.ExecContext != nil {
		ec := *a.ExecContext
		c.ExecContext = &ec
	}
	return &c
}

func (a *Automation) MarshalCBOR() ([]byte, error) {
	rec := &automationRecord{
		Authority:       a.Authority,
		ID:              a.ID,
		Name:            a.Name,
		CreatedAt:       a.CreatedAt,
		Instructions:    a.Instructions,
		NextInstruction: a.NextInstruction,
		RateLimit:       a.RateLimit,
		Fee:             a.Fee,
		Paused:          a.Paused,
	}
	var err error
	if rec.Trigger, err = encodeTrigger(a.Trigger); err != nil {
		return nil, err
	}
	if a.ExecContext != nil {
		rec.ExecContext = &execContextRecord{
			ExecIndex:               a.ExecContext.ExecIndex,
			ExecsSinceReimbursement: a.ExecContext.ExecsSinceReimbursement,
			ExecsSinceSlot:          a.ExecContext.ExecsSinceSlot,
			LastExecAt:              a.ExecContext.LastExecAt,
		}
		if rec.ExecContext.TriggerContext, err = encodeTriggerContext(a.ExecContext.TriggerContext); err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(rec)
}

func (a *Automation) UnmarshalCBOR(data []byte) error {
	rec := &automationRecord{}
	if err := cbor.Unmarshal(data, rec); err != nil {
		return err
	}
	trigger, err := decodeTrigger(rec.Trigger)
	if err != nil {
		return err
	}
	*a = Automation{
		Authority:       rec.Authority,
		ID:              rec.ID,
		Name:            rec.Name,
		CreatedAt:       rec.CreatedAt,
		Instructions:    rec.Instructions,
		NextInstruction: rec.NextInstruction,
		Trigger:         trigger,
		RateLimit:       rec.RateLimit,
		Fee:             rec.Fee,
		Paused:          rec.Paused,
	}
	if ec := rec.ExecContext; ec != nil {
		tc, err := decodeTriggerContext(ec.TriggerContext)
		if err != nil {
			return err
		}
		a.ExecContext = &ExecContext{
			ExecIndex:               ec.ExecIndex,
			ExecsSinceReimbursement: ec.ExecsSinceReimbursement,
			ExecsSinceSlot:          ec.ExecsSinceSlot,
			LastExecAt:              ec.LastExecAt,
			TriggerContext:          tc,
		}
	}
	return nil
}

// Encode serializes the automation into account data.
func Encode(a *Automation) ([]byte, error) {
	return accountKind.Encode(a)
}

// Decode parses account data created by Encode.
func Decode(data []byte) (*Automation, error) {
	a := &Automation{}
	if err := accountKind.Decode(data, a); err != nil {
		return nil, fmt.Errorf("decoding automation: %w", err)
	}
	if a.Trigger == nil {
		return nil, fmt.Errorf("decoding automation: trigger is missing")
	}
	return a, nil
}

// IsAutomationAccount reports whether data looks like an encoded automation.
func IsAutomationAccount(data []byte) bool {
	return accountKind.Matches(data)
}

// Prefix returns the data prefix of automation accounts, for listing them
// with GetProgramAccounts.
func Prefix() []byte {
	return accountKind[:]
}
