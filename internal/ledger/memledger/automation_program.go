package memledger

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	automationManageUnits = 3000
	automationCrankUnits  = 5000
)

var errNotAuthority = errors.New("signer is not the automation authority")

func automationProgram(ic *InvokeContext) (*automation.Response, error) {
	data := ic.Instruction().Data
	var err error
	switch {
	case automation.IxCreate.Matches(data):
		err = automationCreate(ic)
	case automation.IxDelete.Matches(data):
		err = automationDelete(ic)
	case automation.IxPause.Matches(data):
		err = automationManage(ic, func(a *automation.Automation) error { return automation.Pause(a) })
	case automation.IxResume.Matches(data):
		err = automationManage(ic, func(a *automation.Automation) error { return automation.Resume(a, ic.Clock()) })
	case automation.IxReset.Matches(data):
		err = automationManage(ic, func(a *automation.Automation) error {
			automation.Reset(a)
			return nil
		})
	case automation.IxUpdate.Matches(data):
		err = automationUpdate(ic)
	case automation.IxWithdraw.Matches(data):
		err = automationWithdraw(ic)
	case automation.IxKickoff.Matches(data):
		err = automationKickoff(ic)
	case automation.IxExec.Matches(data):
		err = automationExec(ic)
	default:
		err = fmt.Errorf("%w: unknown automation instruction", ErrInvalidInstruction)
	}
	return nil, err
}

func loadAutomation(ic *InvokeContext, addr types.Address) (*automation.Automation, error) {
	acc, err := ic.OwnedAccount(addr, automation.ProgramID)
	if err != nil {
		return nil, err
	}
	return automation.Decode(acc.Data)
}

func storeAutomation(ic *InvokeContext, a *automation.Automation) error {
	data, err := automation.Encode(a)
	if err != nil {
		return err
	}
	return ic.SetData(a.Address(), data)
}

// authorized loads the automation at account #n and checks that account #0
// is its authority and has signed.
func authorized(ic *InvokeContext, n int) (*automation.Automation, error) {
	authority, err := ic.AccountAt(0)
	if err != nil {
		return nil, err
	}
	if err := ic.RequireSigner(authority); err != nil {
		return nil, err
	}
	addr, err := ic.AccountAt(n)
	if err != nil {
		return nil, err
	}
	a, err := loadAutomation(ic, addr)
	if err != nil {
		return nil, err
	}
	if a.Authority != authority {
		return nil, errNotAuthority
	}
	return a, nil
}

func automationCreate(ic *InvokeContext) error {
	if err := ic.ConsumeUnits(automationManageUnits); err != nil {
		return err
	}
	args, err := automation.DecodeCreateArgs(ic.Instruction().Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	trigger, err := args.DecodeTrigger()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	authority, err := ic.AccountAt(0)
	if err != nil {
		return err
	}
	payer, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	if err := ic.RequireSigner(authority); err != nil {
		return err
	}
	a, err := automation.New(authority, args.ID, args.Name, ic.Clock(), args.Instructions, trigger, args.RateLimit, args.Fee)
	if err != nil {
		return err
	}
	if a.Address() != addr {
		return fmt.Errorf("automation address mismatch: expected %s, got %s", a.Address(), addr)
	}
	data, err := automation.Encode(a)
	if err != nil {
		return err
	}
	if err := ic.CreateAccount(addr, data); err != nil {
		return err
	}
	ic.Log("created automation %s (%s)", addr, a.Trigger)
	return ic.Transfer(payer, addr, args.Amount)
}

func automationDelete(ic *InvokeContext) error {
	if err := ic.ConsumeUnits(automationManageUnits); err != nil {
		return err
	}
	a, err := authorized(ic, 2)
	if err != nil {
		return err
	}
	closeTo, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	return ic.CloseAccount(a.Address(), closeTo)
}

func automationManage(ic *InvokeContext, fn func(a *automation.Automation) error) error {
	if err := ic.ConsumeUnits(automationManageUnits); err != nil {
		return err
	}
	a, err := authorized(ic, 1)
	if err != nil {
		return err
	}
	if err := fn(a); err != nil {
		return err
	}
	return storeAutomation(ic, a)
}

func automationUpdate(ic *InvokeContext) error {
	settings, err := automation.DecodeSettings(ic.Instruction().Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	return automationManage(ic, func(a *automation.Automation) error {
		return automation.Update(a, settings)
	})
}

func automationWithdraw(ic *InvokeContext) error {
	if err := ic.ConsumeUnits(automationManageUnits); err != nil {
		return err
	}
	args, err := automation.DecodeWithdrawArgs(ic.Instruction().Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	a, err := authorized(ic, 2)
	if err != nil {
		return err
	}
	payTo, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	return ic.Transfer(a.Address(), payTo, args.Amount)
}

// crankSigner checks that account #0 signed and is the signatory of the
// worker at account #n.
func crankSigner(ic *InvokeContext, n int) (signer, worker types.Address, err error) {
	if signer, err = ic.AccountAt(0); err != nil {
		return
	}
	if err = ic.RequireSigner(signer); err != nil {
		return
	}
	if worker, err = ic.AccountAt(n); err != nil {
		return
	}
	acc, err := ic.OwnedAccount(worker, pool.ProgramID)
	if err != nil {
		return signer, worker, err
	}
	w, err := pool.DecodeWorker(acc.Data)
	if err != nil {
		return signer, worker, err
	}
	if w.Signatory != signer {
		return signer, worker, fmt.Errorf("signer %s is not the signatory of worker %s", signer, worker)
	}
	return signer, worker, nil
}

func automationKickoff(ic *InvokeContext) error {
	if err := ic.ConsumeUnits(automationCrankUnits); err != nil {
		return err
	}
	if _, _, err := crankSigner(ic, 2); err != nil {
		return err
	}
	addr, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	a, err := loadAutomation(ic, addr)
	if err != nil {
		return err
	}
	var proof *automation.AccountData
	if t, ok := a.Trigger.(*automation.AccountTrigger); ok {
		if _, err := ic.AccountAt(3); err != nil {
			return automation.NewError(automation.TriggerNotActive, "watched account %s was not passed", t.Address)
		}
		proof = &automation.AccountData{Address: t.Address}
		acc, err := ic.Account(t.Address)
		switch {
		case err == nil:
			proof.Data = acc.Data
		case errors.Is(err, ledger.ErrAccountNotFound):
		default:
			return err
		}
	}
	if err := automation.Kickoff(a, ic.Clock(), proof); err != nil {
		return err
	}
	ic.Log("kickoff %s at %s", addr, ic.Clock())
	return storeAutomation(ic, a)
}

/*
automationExec runs the automation's next instruction as a nested call signed
by the automation, then advances the state machine and settles fees. The
worker's signer stands in for automation.PayerPlaceholder and is paid back
whatever it spent during the nested call.
*/
func automationExec(ic *InvokeContext) error {
	if err := ic.ConsumeUnits(automationCrankUnits); err != nil {
		return err
	}
	signer, worker, err := crankSigner(ic, 2)
	if err != nil {
		return err
	}
	self, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	a, err := loadAutomation(ic, self)
	if err != nil {
		return err
	}
	if a.Paused {
		return automation.ErrAutomationPaused
	}
	if a.NextInstruction == nil {
		return automation.NewError(automation.InvalidAutomationState, "automation has no next instruction")
	}
	if err := automation.CheckRateLimit(a, ic.Clock().Slot); err != nil {
		return err
	}
	poolAddr, err := ic.AccountAt(3)
	if err != nil {
		return err
	}
	poolAcc, err := ic.OwnedAccount(poolAddr, pool.ProgramID)
	if err != nil {
		return err
	}
	p, err := pool.DecodePool(poolAcc.Data)
	if err != nil {
		return err
	}
	regAcc, err := ic.OwnedAccount(pool.RegistryAddress, pool.ProgramID)
	if err != nil {
		return err
	}
	registry, err := pool.DecodeRegistry(regAcc.Data)
	if err != nil {
		return err
	}

	inner := a.NextInstruction.Clone()
	for i, am := range inner.Accounts {
		if am.Address == automation.PayerPlaceholder {
			inner.Accounts[i].Address = signer
			inner.Accounts[i].IsSigner = true
		}
	}
	before, err := ic.Account(signer)
	if err != nil {
		return err
	}
	resp, err := ic.Invoke(inner, self)
	if err != nil {
		return err
	}
	after, err := ic.Account(signer)
	if err != nil {
		return err
	}
	var advanced uint64
	if after.Lamports < before.Lamports {
		advanced = before.Lamports - after.Lamports
	}

	out, err := automation.Exec(a, ic.Clock(), resp)
	if err != nil {
		return err
	}
	if err := storeAutomation(ic, a); err != nil {
		return err
	}
	plan := out.FeePlan(self, signer, p.Contains(worker), registry.Admin, advanced)
	if err := automation.Settle(ic, plan); err != nil {
		return err
	}
	if out.Closed {
		ic.Log("closing %s to %s", self, out.CloseTo)
		return ic.CloseAccount(self, out.CloseTo)
	}
	return nil
}
