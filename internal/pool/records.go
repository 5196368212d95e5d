package pool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/types"
)

const (
	MaxCommissionRate = 100
	DefaultPoolSize   = 1
)

var (
	ProgramID = types.ProgramAddress("network")

	RegistryAddress = types.DeriveAddress(ProgramID, []byte("registry"))

	workerKind     = types.AccountDiscriminator("Worker")
	poolKind       = types.AccountDiscriminator("Pool")
	snapshotKind   = types.AccountDiscriminator("Snapshot")
	registryKind   = types.AccountDiscriminator("Registry")
	delegationKind = types.AccountDiscriminator("Delegation")

	ErrInsufficientStake = errors.New("insufficient stake")
)

type (
	Worker struct {
		_         struct{}      `cbor:",toarray"`
		Authority types.Address `json:"authority"`
		// Signatory is the key worker's crank service signs transactions with.
		Signatory        types.Address `json:"signatory"`
		ID               uint64        `json:"id"`
		CommissionRate   uint64        `json:"commissionRate"`
		TotalDelegations uint64        `json:"totalDelegations"`
		TotalStake       uint64        `json:"totalStake"`
	}

	// Pool is an ordered list of worker addresses, oldest first.
	Pool struct {
		_       struct{}        `cbor:",toarray"`
		ID      uint64          `json:"id"`
		Size    uint64          `json:"size"`
		Workers []types.Address `json:"workers"`
	}

	Snapshot struct {
		_          struct{}         `cbor:",toarray"`
		ID         uint64           `json:"id"`
		TotalStake uint64           `json:"totalStake"`
		Entries    []*SnapshotEntry `json:"entries"`
	}

	SnapshotEntry struct {
		_           struct{}      `cbor:",toarray"`
		Worker      types.Address `json:"worker"`
		StakeOffset uint64        `json:"stakeOffset"`
		StakeAmount uint64        `json:"stakeAmount"`
	}

	Registry struct {
		_            struct{}      `cbor:",toarray"`
		Admin        types.Address `json:"admin"`
		Locked       bool          `json:"locked"`
		Nonce        types.Hash    `json:"nonce"`
		CurrentEpoch uint64        `json:"currentEpoch"`
		TotalWorkers uint64        `json:"totalWorkers"`
		TotalPools   uint64        `json:"totalPools"`
	}

	// Delegation is stake delegated to a worker. Deposits are Pending until
	// the next epoch boundary moves them into Stake.
	Delegation struct {
		_         struct{}      `cbor:",toarray"`
		Authority types.Address `json:"authority"`
		Worker    types.Address `json:"worker"`
		ID        uint64        `json:"id"`
		Stake     uint64        `json:"stake"`
		Pending   uint64        `json:"pending"`
	}
)

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func WorkerAddress(id uint64) types.Address {
	return types.DeriveAddress(ProgramID, []byte("worker"), u64(id))
}

func PoolAddress(id uint64) types.Address {
	return types.DeriveAddress(ProgramID, []byte("pool"), u64(id))
}

func SnapshotAddress(epoch uint64) types.Address {
	return types.DeriveAddress(ProgramID, []byte("snapshot"), u64(epoch))
}

func DelegationAddress(worker types.Address, id uint64) types.Address {
	return types.DeriveAddress(ProgramID, []byte("delegation"), worker[:], u64(id))
}

// Contains reports whether worker holds a position in the pool.
func (p *Pool) Contains(worker types.Address) bool {
	return p.Position(worker) >= 0
}

// Position returns worker's index in the pool or -1.
func (p *Pool) Position(worker types.Address) int {
	for i, w := range p.Workers {
		if w == worker {
			return i
		}
	}
	return -1
}

// Rotate pushes the worker into the pool evicting the oldest workers beyond
// pool size. Returns false when the worker already is in the pool.
func (p *Pool) Rotate(worker types.Address) bool {
	if p.Contains(worker) {
		return false
	}
	p.Workers = append(p.Workers, worker)
	p.truncate()
	return true
}

// Resize changes pool size, oldest workers are evicted when shrinking.
func (p *Pool) Resize(size uint64) {
	p.Size = size
	p.truncate()
}

func (p *Pool) truncate() {
	if n := uint64(len(p.Workers)); n > p.Size {
		p.Workers = append([]types.Address{}, p.Workers[n-p.Size:]...)
	}
}

func (w *Worker) Validate() error {
	if w.CommissionRate > MaxCommissionRate {
		return fmt.Errorf("commission rate %d exceeds %d", w.CommissionRate, MaxCommissionRate)
	}
	return nil
}

func (d *Delegation) Deposit(amount uint64) {
	d.Pending += amount
}

// Withdraw takes amount out of pending deposits first, then from stake.
func (d *Delegation) Withdraw(amount uint64) (fromStake uint64, err error) {
	if amount > d.Pending+d.Stake {
		return 0, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStake, amount, d.Pending+d.Stake)
	}
	fromPending := amount
	if fromPending > d.Pending {
		fromPending = d.Pending
	}
	d.Pending -= fromPending
	fromStake = amount - fromPending
	d.Stake -= fromStake
	return fromStake, nil
}

// Settle moves pending deposits into stake, returns the amount moved.
func (d *Delegation) Settle() uint64 {
	moved := d.Pending
	d.Stake += moved
	d.Pending = 0
	return moved
}

func EncodeWorker(w *Worker) ([]byte, error)         { return workerKind.Encode(w) }
func EncodePool(p *Pool) ([]byte, error)             { return poolKind.Encode(p) }
func EncodeSnapshot(s *Snapshot) ([]byte, error)     { return snapshotKind.Encode(s) }
func EncodeRegistry(r *Registry) ([]byte, error)     { return registryKind.Encode(r) }
func EncodeDelegation(d *Delegation) ([]byte, error) { return delegationKind.Encode(d) }

func DecodeWorker(data []byte) (*Worker, error) {
	w := &Worker{}
	return w, decode(workerKind, "worker", data, w)
}

func DecodePool(data []byte) (*Pool, error) {
	p := &Pool{}
	return p, decode(poolKind, "pool", data, p)
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	return s, decode(snapshotKind, "snapshot", data, s)
}

func DecodeRegistry(data []byte) (*Registry, error) {
	r := &Registry{}
	return r, decode(registryKind, "registry", data, r)
}

func DecodeDelegation(data []byte) (*Delegation, error) {
	d := &Delegation{}
	return d, decode(delegationKind, "delegation", data, d)
}

func decode(d types.Discriminator, what string, data []byte, v any) error {
	if err := d.Decode(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", what, err)
	}
	return nil
}

// Prefixes for listing accounts of a kind.
func WorkerPrefix() []byte     { return workerKind[:] }
func PoolPrefix() []byte       { return poolKind[:] }
func DelegationPrefix() []byte { return delegationKind[:] }

func IsWorker(data []byte) bool     { return workerKind.Matches(data) }
func IsDelegation(data []byte) bool { return delegationKind.Matches(data) }
