package memledger

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	// FeePerSignature is charged from the fee payer for every required signature.
	FeePerSignature = 5000

	maxInvokeDepth = 4
	maxLogMessages = 100
)

var (
	ErrComputeBudgetExceeded = errors.New("exceeded compute budget")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrMissingAccount        = errors.New("account was not passed to the instruction")
	ErrReadonlyAccount       = errors.New("account is not writable")
	ErrMissingSignature      = errors.New("missing required signature")
	ErrIllegalOwner          = errors.New("illegal account owner")
	ErrAccountInUse          = errors.New("account already in use")
	ErrUnknownProgram        = errors.New("unknown program")
	ErrInvalidInstruction    = errors.New("invalid instruction data")
)

type meter struct {
	limit uint64
	used  uint64
}

func (m *meter) consume(units uint64) error {
	m.used += units
	if m.used > m.limit {
		m.used = m.limit
		return fmt.Errorf("%w: limit %d", ErrComputeBudgetExceeded, m.limit)
	}
	return nil
}

type logSink struct {
	lines []string
}

func (s *logSink) add(format string, args ...any) {
	if len(s.lines) < maxLogMessages {
		s.lines = append(s.lines, fmt.Sprintf(format, args...))
	}
}

/*
InvokeContext is what a program sees while executing single instruction.
Programs may read and write only the accounts passed to the instruction,
lamports can be credited to any account.
*/
type InvokeContext struct {
	programs map[types.Address]Program
	state    *txState
	program  types.Address
	ix       *types.Instruction
	signers  map[types.Address]struct{}
	clock    types.Clock
	meter    *meter
	logs     *logSink
	depth    int
}

func (ic *InvokeContext) Clock() types.Clock { return ic.clock }

func (ic *InvokeContext) Program() types.Address { return ic.program }

func (ic *InvokeContext) Instruction() *types.Instruction { return ic.ix }

// AccountAt returns the address of the i-th account of the instruction.
func (ic *InvokeContext) AccountAt(i int) (types.Address, error) {
	if i < 0 || i >= len(ic.ix.Accounts) {
		return types.Address{}, fmt.Errorf("%w: expected at least %d accounts, got %d", ErrMissingAccount, i+1, len(ic.ix.Accounts))
	}
	return ic.ix.Accounts[i].Address, nil
}

// meta returns privileges of addr, merged over all its occurrences in the
// instruction.
func (ic *InvokeContext) meta(addr types.Address) (types.AccountMeta, bool) {
	res := types.AccountMeta{Address: addr}
	found := false
	for _, am := range ic.ix.Accounts {
		if am.Address == addr {
			found = true
			res.IsSigner = res.IsSigner || am.IsSigner
			res.IsWritable = res.IsWritable || am.IsWritable
		}
	}
	return res, found
}

func (ic *InvokeContext) writable(addr types.Address) error {
	am, ok := ic.meta(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingAccount, addr)
	}
	if !am.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadonlyAccount, addr)
	}
	return nil
}

func (ic *InvokeContext) IsSigner(addr types.Address) bool {
	_, ok := ic.signers[addr]
	return ok
}

func (ic *InvokeContext) RequireSigner(addr types.Address) error {
	if !ic.IsSigner(addr) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, addr)
	}
	return nil
}

// Account returns copy of the account, ledger.ErrAccountNotFound when it
// does not exist.
func (ic *InvokeContext) Account(addr types.Address) (*ledger.Account, error) {
	if _, ok := ic.meta(addr); !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingAccount, addr)
	}
	acc := ic.state.load(addr)
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	return acc.Clone(), nil
}

// OwnedAccount is like Account but also checks the owner of the account.
func (ic *InvokeContext) OwnedAccount(addr, owner types.Address) (*ledger.Account, error) {
	acc, err := ic.Account(addr)
	if err != nil {
		return nil, err
	}
	if acc.Owner != owner {
		return nil, fmt.Errorf("%w: %s is owned by %s, expected %s", ErrIllegalOwner, addr, acc.Owner, owner)
	}
	return acc, nil
}

/*
CreateAccount assigns the account to the current program. Account may already
exist as long as it is a plain (system owned, data-less) account holding
lamports.
*/
func (ic *InvokeContext) CreateAccount(addr types.Address, data []byte) error {
	if err := ic.writable(addr); err != nil {
		return err
	}
	acc := ic.state.modify(addr)
	if acc == nil {
		ic.state.put(&ledger.Account{Address: addr, Owner: ic.program, Data: append([]byte{}, data...)})
		return nil
	}
	if acc.Owner != types.SystemProgramID || len(acc.Data) != 0 {
		return fmt.Errorf("%w: %s", ErrAccountInUse, addr)
	}
	acc.Owner = ic.program
	acc.Data = append([]byte{}, data...)
	return nil
}

func (ic *InvokeContext) SetData(addr types.Address, data []byte) error {
	if err := ic.writable(addr); err != nil {
		return err
	}
	acc := ic.state.modify(addr)
	if acc == nil {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	if acc.Owner != ic.program {
		return fmt.Errorf("%w: program %s cannot write account owned by %s", ErrIllegalOwner, ic.program, acc.Owner)
	}
	acc.Data = append([]byte{}, data...)
	return nil
}

// Transfer moves lamports. Source must be owned by the current program or be
// a plain account which signed the transaction.
func (ic *InvokeContext) Transfer(from, to types.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := ic.writable(from); err != nil {
		return err
	}
	src := ic.state.modify(from)
	if src == nil {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, from)
	}
	if src.Owner != ic.program && !(src.Owner == types.SystemProgramID && ic.IsSigner(from)) {
		return fmt.Errorf("%w: program %s cannot debit account %s owned by %s", ErrIllegalOwner, ic.program, from, src.Owner)
	}
	if src.Lamports < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, src.Lamports, amount)
	}
	dst := ic.state.modify(to)
	if dst == nil {
		dst = &ledger.Account{Address: to, Owner: types.SystemProgramID}
		ic.state.put(dst)
	}
	src.Lamports -= amount
	dst.Lamports += amount
	return nil
}

// CloseAccount moves all lamports of the account to "to" and deletes it.
func (ic *InvokeContext) CloseAccount(addr, to types.Address) error {
	acc, err := ic.OwnedAccount(addr, ic.program)
	if err != nil {
		return err
	}
	if err := ic.Transfer(addr, to, acc.Lamports); err != nil {
		return err
	}
	ic.state.remove(addr)
	return nil
}

func (ic *InvokeContext) ConsumeUnits(units uint64) error {
	return ic.meter.consume(units)
}

func (ic *InvokeContext) Log(format string, args ...any) {
	ic.logs.add("Program log: "+format, args...)
}

/*
Invoke executes ix as a nested call. signer is an account owned by the
calling program which the program vouches for, zero address when none.
Accounts of the nested instruction must be passed to the current one and
can't be more writable than they are here.
*/
func (ic *InvokeContext) Invoke(ix *types.Instruction, signer types.Address) (*automation.Response, error) {
	if ic.depth+1 >= maxInvokeDepth {
		return nil, fmt.Errorf("max invoke depth %d reached", maxInvokeDepth)
	}
	if _, ok := ic.meta(ix.ProgramID); !ok {
		return nil, fmt.Errorf("%w: program %s", ErrMissingAccount, ix.ProgramID)
	}
	signers := make(map[types.Address]struct{}, len(ic.signers)+1)
	for k := range ic.signers {
		signers[k] = struct{}{}
	}
	if !signer.IsZero() {
		if _, err := ic.OwnedAccount(signer, ic.program); err != nil {
			return nil, fmt.Errorf("program can't sign for %s: %w", signer, err)
		}
		signers[signer] = struct{}{}
	}
	for _, am := range ix.Accounts {
		parent, ok := ic.meta(am.Address)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingAccount, am.Address)
		}
		if am.IsWritable && !parent.IsWritable {
			return nil, fmt.Errorf("%w: %s", ErrReadonlyAccount, am.Address)
		}
	}
	return invoke(&InvokeContext{
		programs: ic.programs,
		state:    ic.state,
		program:  ix.ProgramID,
		ix:       ix,
		signers:  signers,
		clock:    ic.clock,
		meter:    ic.meter,
		logs:     ic.logs,
		depth:    ic.depth + 1,
	})
}

func invoke(ic *InvokeContext) (*automation.Response, error) {
	prog, ok := ic.programs[ic.program]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, ic.program)
	}
	for _, am := range ic.ix.Accounts {
		if am.IsSigner && !ic.IsSigner(am.Address) {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignature, am.Address)
		}
	}
	ic.logs.add("Program %s invoke [%d]", ic.program, ic.depth+1)
	before := ic.meter.used
	resp, err := prog.Execute(ic)
	if err != nil {
		ic.logs.add("Program %s failed: %v", ic.program, err)
		return nil, err
	}
	ic.logs.add("Program %s consumed %d units", ic.program, ic.meter.used-before)
	return resp, nil
}

type execResult struct {
	// state holds the changes to commit, fee is charged even when err != nil.
	// nil when the fee could not be paid.
	state *txState
	units uint64
	logs  []string
	err   error
}

func computeLimit(ixs []*types.Instruction) (uint64, error) {
	var limit uint64
	found := false
	n := uint64(0)
	for _, ix := range ixs {
		if ix.ProgramID != types.ComputeBudgetProgramID {
			n++
			continue
		}
		if found {
			return 0, errors.New("duplicate compute budget instruction")
		}
		v, err := types.ComputeUnitLimit(ix)
		if err != nil {
			return 0, err
		}
		limit, found = uint64(v), true
	}
	if !found {
		limit = n * types.DefaultComputeUnits
	}
	if limit > types.MaxComputeUnits {
		limit = types.MaxComputeUnits
	}
	return limit, nil
}

// execute runs the transaction on top of view, signed is the set of addresses
// which have signed the transaction.
func execute(programs map[types.Address]Program, view accountView, tx *types.Transaction, signed map[types.Address]struct{}, clock types.Clock) *execResult {
	res := &execResult{}
	msg := tx.Message
	fee := FeePerSignature * uint64(len(msg.Signers()))
	feeState := newTxState(view)
	payer := feeState.modify(msg.FeePayer)
	if payer == nil || payer.Lamports < fee {
		res.err = fmt.Errorf("%w: fee payer %s cannot pay fee %d", ErrInsufficientFunds, msg.FeePayer, fee)
		return res
	}
	payer.Lamports -= fee
	res.state = feeState

	limit, err := computeLimit(msg.Instructions)
	if err != nil {
		res.err = fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
		return res
	}
	m := &meter{limit: limit}
	logs := &logSink{}
	st := newTxState(feeState)
	for i, ix := range msg.Instructions {
		if ix.ProgramID == types.ComputeBudgetProgramID {
			continue
		}
		_, err := invoke(&InvokeContext{
			programs: programs,
			state:    st,
			program:  ix.ProgramID,
			ix:       ix,
			signers:  signed,
			clock:    clock,
			meter:    m,
			logs:     logs,
		})
		if err != nil {
			res.err = fmt.Errorf("instruction %d: %w", i, err)
			res.units, res.logs = m.used, logs.lines
			return res
		}
	}
	st.mergeInto(feeState)
	res.units, res.logs = m.used, logs.lines
	return res
}
