/*
Package executor builds crank transactions. Starting from the kickoff or exec
of an automation it keeps simulating and appending the following exec
instructions for as long as the automation has more work to do in the current
slot and the transaction fits into the wire size limit.
*/
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/EagleChen/mapmutex"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	// ComputeUnitMargin is added to the simulated compute units of the final transaction.
	ComputeUnitMargin = 1000
)

var (
	// ErrNothingToDo is returned when not even the first step of the automation
	// would succeed. Wraps the reason when there is one.
	ErrNothingToDo = errors.New("nothing to do")

	log = logger.CreateForPackage()
)

type (
	Config struct {
		Signer types.Signer
		// Worker, Pool and Registry accounts passed to kickoff and exec.
		Worker   types.Address
		Pool     types.Address
		Registry types.Address
		// SizeLimit is the maximum serialized transaction size, defaults to types.MaxTransactionSize.
		SizeLimit int
		// MaxInstructions caps the number of crank instructions packed into one transaction, zero means no cap.
		MaxInstructions int
	}

	// Submitter records and sends the transactions, enforcing single
	// outstanding attempt per automation.
	Submitter interface {
		Outstanding(address types.Address) bool
		Submit(ctx context.Context, address types.Address, tx *types.Transaction) (types.Signature, error)
	}

	Executor struct {
		cfg       Config
		client    ledger.Client
		submitter Submitter
		locks     *mapmutex.Mutex
	}
)

func New(cfg Config, client ledger.Client, submitter Submitter) (*Executor, error) {
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if client == nil || submitter == nil {
		return nil, errors.New("ledger client and submitter are required")
	}
	if cfg.SizeLimit <= 0 || cfg.SizeLimit > types.MaxTransactionSize {
		cfg.SizeLimit = types.MaxTransactionSize
	}
	return &Executor{
		cfg:       cfg,
		client:    client,
		submitter: submitter,
		// single try, build lock is never waited for
		locks: mapmutex.NewCustomizedMapMutex(1, 1e6, 10, 1.1, 0.2),
	}, nil
}

func (e *Executor) crankAccounts() automation.CrankAccounts {
	return automation.CrankAccounts{
		Signer:   e.cfg.Signer.Address(),
		Worker:   e.cfg.Worker,
		Pool:     e.cfg.Pool,
		Registry: e.cfg.Registry,
	}
}

/*
Crank builds the transaction for the automation and hands it to the
submitter. The build lock of the automation is held until the transaction
has been submitted.
*/
func (e *Executor) Crank(ctx context.Context, address types.Address) (types.Signature, error) {
	if !e.locks.TryLock(address) {
		return types.Signature{}, automation.NewError(automation.AutomationBusy, "automation %s is being built", address)
	}
	defer e.locks.Unlock(address)

	tx, err := e.build(ctx, address)
	if err != nil {
		return types.Signature{}, err
	}
	return e.submitter.Submit(ctx, address, tx)
}

// BuildTransaction returns signed crank transaction for the automation without submitting it.
func (e *Executor) BuildTransaction(ctx context.Context, address types.Address) (*types.Transaction, error) {
	if !e.locks.TryLock(address) {
		return nil, automation.NewError(automation.AutomationBusy, "automation %s is being built", address)
	}
	defer e.locks.Unlock(address)
	return e.build(ctx, address)
}

func (e *Executor) build(ctx context.Context, address types.Address) (*types.Transaction, error) {
	if e.submitter.Outstanding(address) {
		return nil, automation.NewError(automation.AutomationBusy, "automation %s has outstanding attempt", address)
	}
	acc, err := e.client.GetAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("reading automation: %w", err)
	}
	a, err := automation.Decode(acc.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding automation %s: %w", address, err)
	}
	if a.Paused {
		return nil, automation.ErrAutomationPaused
	}
	clock, err := e.client.GetClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading clock: %w", err)
	}

	ca := e.crankAccounts()
	var first *types.Instruction
	if a.NextInstruction == nil {
		if a.Spent() {
			return nil, automation.NewError(automation.InvalidAutomationState, "automation %s has no more work", address)
		}
		first, err = automation.NewKickoffInstruction(ca, a)
	} else {
		if err := automation.CheckRateLimit(a, clock.Slot); err != nil {
			return nil, err
		}
		first, err = automation.NewExecInstruction(ca, a)
	}
	if err != nil {
		return nil, err
	}

	blockhash, err := e.client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading blockhash: %w", err)
	}
	return e.pack(ctx, address, blockhash, first)
}

/*
pack runs the simulate-and-append loop. The first instruction is reserved
for the compute budget, it asks for the ceiling while simulating and is
replaced with the consumed units plus margin in the final transaction.
*/
func (e *Executor) pack(ctx context.Context, address types.Address, blockhash types.Hash, first *types.Instruction) (*types.Transaction, error) {
	payer := e.cfg.Signer.Address()
	ixs := []*types.Instruction{types.NewSetComputeUnitLimit(types.MaxComputeUnits), first}
	var best []*types.Instruction
	var units uint64
	var stopErr error

	for {
		candidate := types.NewTransaction(payer, blockhash, ixs...)
		size, err := candidate.Size()
		if err != nil {
			return nil, fmt.Errorf("measuring transaction: %w", err)
		}
		if size > e.cfg.SizeLimit {
			stopErr = automation.NewError(automation.SizeLimitExceeded, "%d instructions take %d bytes", len(ixs)-1, size)
			break
		}
		res, err := e.client.SimulateTransaction(ctx, candidate, []types.Address{address})
		if err != nil {
			return nil, fmt.Errorf("simulating transaction: %w", err)
		}
		if res.Failed() {
			stopErr = automation.ErrorFromCode(res.ErrCode, res.Err)
			log.Trace("Automation %s: candidate with %d instructions failed: %s", address, len(ixs)-1, res.Err)
			break
		}
		best = append(best[:0], ixs...)
		units = res.UnitsConsumed

		next, err := e.nextStep(res)
		if err != nil || next == nil {
			stopErr = err
			break
		}
		if e.cfg.MaxInstructions > 0 && len(ixs)-1 >= e.cfg.MaxInstructions {
			break
		}
		ixs = append(ixs, next)
	}

	if best == nil {
		if stopErr == nil {
			return nil, ErrNothingToDo
		}
		return nil, fmt.Errorf("%w: %w", ErrNothingToDo, stopErr)
	}
	if stopErr != nil {
		log.Trace("Automation %s: packing stopped: %v", address, stopErr)
	}

	limit := units + ComputeUnitMargin
	if limit > types.MaxComputeUnits {
		limit = types.MaxComputeUnits
	}
	best[0] = types.NewSetComputeUnitLimit(uint32(limit))
	tx := types.NewTransaction(payer, blockhash, best...)
	if err := tx.Sign(e.cfg.Signer); err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	log.Debug("Automation %s: built transaction with %d instructions, compute limit %d", address, len(best)-1, limit)
	return tx, nil
}

// nextStep returns the exec instruction to append based on the simulated
// post-state of the automation, nil when there is nothing more to do in this slot.
func (e *Executor) nextStep(res *ledger.SimulationResult) (*types.Instruction, error) {
	if len(res.Accounts) == 0 || res.Accounts[0] == nil {
		// closed itself
		return nil, nil
	}
	a, err := automation.Decode(res.Accounts[0].Data)
	if err != nil {
		return nil, fmt.Errorf("decoding simulated automation: %w", err)
	}
	if a.Paused || a.NextInstruction == nil || a.ExecContext == nil {
		return nil, nil
	}
	if err := automation.CheckRateLimit(a, a.ExecContext.LastExecAt); err != nil {
		return nil, nil
	}
	return automation.NewExecInstruction(e.crankAccounts(), a)
}
