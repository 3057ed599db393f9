package decompiler

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// cell is a memory or storage slot written with a known offset.
type cell struct {
	v    VarID
	size int // bytes written, 32 or 1 for MSTORE8
}

// programState is the abstract machine state flowing through constant
// propagation.
type programState struct {
	msize   int64 // -1 when unknown
	heap    map[uint256.Int]cell
	storage map[uint256.Int]cell

	// values written to unknown offsets
	heapPollution    mapset.Set[VarID]
	storagePollution mapset.Set[VarID]
}

func newProgramState() *programState {
	return &programState{
		heap:             make(map[uint256.Int]cell),
		storage:          make(map[uint256.Int]cell),
		heapPollution:    mapset.NewThreadUnsafeSet[VarID](),
		storagePollution: mapset.NewThreadUnsafeSet[VarID](),
	}
}

func (s *programState) copy() *programState {
	return &programState{
		msize:            s.msize,
		heap:             maps.Clone(s.heap),
		storage:          maps.Clone(s.storage),
		heapPollution:    s.heapPollution.Clone(),
		storagePollution: s.storagePollution.Clone(),
	}
}

// merge joins o into s. Only cells both states agree on survive, the
// pollution sets are united and msize is kept only if equal.
func (s *programState) merge(o *programState) {
	if s == o {
		return
	}
	if s.msize != o.msize {
		s.msize = -1
	}
	intersect(s.heap, o.heap)
	intersect(s.storage, o.storage)
	s.heapPollution = s.heapPollution.Union(o.heapPollution)
	s.storagePollution = s.storagePollution.Union(o.storagePollution)
}

func intersect(dst, src map[uint256.Int]cell) {
	for k, c := range dst {
		if other, ok := src[k]; !ok || other != c {
			delete(dst, k)
		}
	}
}

// updateMsize grows msize to cover end, rounded up to a whole word.
func (s *programState) updateMsize(end *uint256.Int) {
	if s.msize < 0 {
		return
	}
	if !end.IsUint64() || end.Uint64() > 1<<62 {
		s.msize = -1
		return
	}
	e := int64(end.Uint64()+31) / 32 * 32
	if e > s.msize {
		s.msize = e
	}
}

func (s *programState) polluteMemory(v VarID)  { s.heapPollution.Add(v) }
func (s *programState) polluteStorage(v VarID) { s.storagePollution.Add(v) }

func (s *programState) pollute(v VarID) {
	s.polluteMemory(v)
	s.polluteStorage(v)
}

// sortedKeys returns the cell offsets of m in ascending order.
func sortedKeys(m map[uint256.Int]cell) []uint256.Int {
	keys := maps.Keys(m)
	slices.SortFunc(keys, func(a, b uint256.Int) int { return a.Cmp(&b) })
	return keys
}

// cellsIn returns the heap cells overlapping [from, to) in offset order. A
// nil to means unbounded. Cells are at most a word wide, so only cells
// starting up to 31 bytes before from can reach into the range.
func (s *programState) cellsIn(from, to *uint256.Int) []uint256.Int {
	lo := new(uint256.Int)
	if from.GtUint64(31) {
		lo.SubUint64(from, 31)
	}
	var out []uint256.Int
	for _, k := range sortedKeys(s.heap) {
		if k.Lt(lo) {
			continue
		}
		if to != nil && !k.Lt(to) {
			continue
		}
		if end := new(uint256.Int).AddUint64(&k, uint64(s.heap[k].size)); !end.Gt(from) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// store writes a heap cell of size bytes at off. Cells the write covers
// completely are dropped. A wider cell at the same offset cannot be kept
// next to the new one, its value degrades to pollution.
func (s *programState) store(off *uint256.Int, v VarID, size int) {
	end := new(uint256.Int).AddUint64(off, uint64(size))
	for k, c := range s.heap {
		if k.Lt(off) || !k.Lt(end) {
			continue
		}
		if new(uint256.Int).AddUint64(&k, uint64(c.size)).Gt(end) {
			if k.Eq(off) {
				s.polluteMemory(c.v)
			}
			continue
		}
		delete(s.heap, k)
	}
	s.heap[*off] = cell{v: v, size: size}
}

// clearRange drops heap cells starting in [from, to). A nil to means
// unbounded.
func (s *programState) clearRange(from, to *uint256.Int) {
	for k := range s.heap {
		if k.Lt(from) {
			continue
		}
		if to != nil && !k.Lt(to) {
			continue
		}
		delete(s.heap, k)
	}
}
