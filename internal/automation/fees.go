package automation

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/types"
)

type (
	// FeeSettler moves balances on the ledger.
	FeeSettler interface {
		Transfer(from, to types.Address, amount uint64) error
	}

	// FeePlan describes who gets paid how much for a single exec.
	FeePlan struct {
		Automation types.Address
		Worker     types.Address
		// Advanced is the amount worker fronted on behalf of the automation
		// during the inner call, paid back in full.
		Advanced uint64
		// FeeRecipient is the worker when it holds a pool position, admin otherwise.
		FeeRecipient  types.Address
		Fee           uint64
		Reimbursement uint64
	}
)

// FeePlan builds settlement plan for the outcome.
func (o *ExecOutcome) FeePlan(automation, worker types.Address, workerInPool bool, admin types.Address, advanced uint64) FeePlan {
	p := FeePlan{
		Automation:   automation,
		Worker:       worker,
		Advanced:     advanced,
		FeeRecipient: admin,
		Fee:          o.Fee,
	}
	if workerInPool {
		p.FeeRecipient = worker
	}
	if o.Reimburse {
		p.Reimbursement = BaseFeeReimbursement
	}
	return p
}

// Total is the amount debited from the automation.
func (p FeePlan) Total() uint64 {
	return p.Advanced + p.Fee + p.Reimbursement
}

// Settle executes the plan, zero amounts are skipped.
func Settle(s FeeSettler, p FeePlan) error {
	transfers := []struct {
		to     types.Address
		amount uint64
		what   string
	}{
		{p.Worker, p.Advanced, "advanced balance"},
		{p.FeeRecipient, p.Fee, "fee"},
		{p.Worker, p.Reimbursement, "base fee reimbursement"},
	}
	var errs []error
	for _, tr := range transfers {
		if tr.amount == 0 {
			continue
		}
		if err := s.Transfer(p.Automation, tr.to, tr.amount); err != nil {
			errs = append(errs, fmt.Errorf("paying %s %d to %s: %w", tr.what, tr.amount, tr.to, err))
		}
	}
	return errors.Join(errs...)
}
