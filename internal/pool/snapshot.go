package pool

import (
	"crypto/sha256"
	"sort"

	"github.com/holiman/uint256"

	"github.com/alphabill-org/automaton/internal/types"
)

// BuildSnapshot lays out workers with non-zero stake on a cumulative stake line.
func BuildSnapshot(epoch uint64, workers []*Worker) *Snapshot {
	s := &Snapshot{ID: epoch, Entries: []*SnapshotEntry{}}
	for _, w := range workers {
		if w.TotalStake == 0 {
			continue
		}
		s.Entries = append(s.Entries, &SnapshotEntry{
			Worker:      WorkerAddress(w.ID),
			StakeOffset: s.TotalStake,
			StakeAmount: w.TotalStake,
		})
		s.TotalStake += w.TotalStake
	}
	return s
}

/*
Sample picks worker with probability proportional to its stake: the point
"nonce mod TotalStake" is located on the cumulative stake line. Returns false
for empty snapshot.
*/
func (s *Snapshot) Sample(nonce types.Hash) (types.Address, bool) {
	if s.TotalStake == 0 || len(s.Entries) == 0 {
		return types.Address{}, false
	}
	x := uint256.NewInt(0).SetBytes(nonce[:])
	point := uint256.NewInt(0).Mod(x, uint256.NewInt(s.TotalStake)).Uint64()
	i := sort.Search(len(s.Entries), func(i int) bool {
		e := s.Entries[i]
		return e.StakeOffset+e.StakeAmount > point
	})
	if i == len(s.Entries) {
		return types.Address{}, false
	}
	return s.Entries[i].Worker, true
}

// NextNonce derives the nonce of the next rotation.
func NextNonce(prev types.Hash, slot uint64) types.Hash {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(u64(slot))
	var n types.Hash
	copy(n[:], h.Sum(nil))
	return n
}
