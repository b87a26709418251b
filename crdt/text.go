package crdt

import (
	"fmt"
	"strings"
)

/*
Replicated text sequence with properties:
- merging the same set of updates in any order, each at most once, yields
  identical content on every replica
- merge is idempotent per the state vector, so re-delivered updates are no-ops
- concurrent inserts at the same position are ordered deterministically by
  (clock, replica) so no edit is silently dropped
- a local edit is visible immediately and returns the encoded delta for peers
*/

// ID identifies one operation. Seq is a contiguous per-replica counter, so a
// state vector entry summarizes exactly the ops it claims. Replica 0 and
// Seq 0 are reserved; the zero ID marks the start-of-document origin.
type ID struct {
	Replica uint32
	Seq     uint32
}

func (self ID) IsZero() bool {
	return self == ID{}
}

func (self ID) String() string {
	return fmt.Sprintf("%d@%d", self.Seq, self.Replica)
}

type opType uint8

const (
	opInsert opType = 1
	opDelete opType = 2
)

type op struct {
	typ    opType
	id     ID
	clock  uint32 // lamport timestamp at generation, orders concurrent siblings
	origin ID     // insert: id of the left neighbor at insertion time, zero = start
	ch     rune
	target ID // delete: id of the removed item
}

type item struct {
	id      ID
	clock   uint32
	origin  ID
	ch      rune
	deleted bool
}

// before reports whether self sorts before other among concurrent siblings.
// Higher clock values win the spot closest to the shared origin, so an
// insert made after observing more history lands to the left of older
// concurrent ones.
func (self *item) before(other *item) bool {
	if self.clock != other.clock {
		return self.clock > other.clock
	}
	return self.id.Replica > other.id.Replica
}

// Text is one replica of the convergent sequence. It is not safe for
// concurrent use; callers serialize access.
type Text struct {
	replica uint32

	// contiguous counter for this replica's own op Seq values
	seq uint32

	// lamport clock, advanced past every applied op's clock
	clock uint32

	items []*item

	// applied ops in application order. Origins always precede their
	// dependents here, which keeps encoded updates self-contained.
	log []op

	// highest Seq applied per replica. Seq values are contiguous per
	// replica and applied in order, so Seq <= sv[replica] means already
	// contained.
	sv StateVector

	// ops whose origin, target, or same-replica predecessor has not
	// arrived yet
	pending map[ID]op
}

// NewText creates an empty replica. The replica id must be nonzero and
// unique among all writers of the same document.
func NewText(replica uint32) *Text {
	if replica == 0 {
		panic("crdt: replica id 0 is reserved")
	}
	return &Text{
		replica: replica,
		sv:      StateVector{},
		pending: map[ID]op{},
	}
}

func (self *Text) Replica() uint32 {
	return self.replica
}

func (self *Text) nextID() ID {
	self.seq += 1
	return ID{
		Replica: self.replica,
		Seq:     self.seq,
	}
}

func (self *Text) nextClock() uint32 {
	self.clock += 1
	return self.clock
}

// Len returns the number of visible runes.
func (self *Text) Len() int {
	n := 0
	for _, it := range self.items {
		if !it.deleted {
			n += 1
		}
	}
	return n
}

// String projects the current content to plain text.
func (self *Text) String() string {
	var b strings.Builder
	for _, it := range self.items {
		if !it.deleted {
			b.WriteRune(it.ch)
		}
	}
	return b.String()
}

// visibleIndex maps a visible rune position to a physical item index.
// pos == Len() maps to len(items).
func (self *Text) visibleIndex(pos int) int {
	if pos <= 0 {
		return 0
	}
	seen := 0
	for i, it := range self.items {
		if it.deleted {
			continue
		}
		seen += 1
		if seen == pos {
			// first physical slot after the pos-th visible item
			return i + 1
		}
	}
	return len(self.items)
}

// Insert applies a local insert of s at visible position pos and returns the
// encoded update for peers. pos is clamped to [0, Len()].
func (self *Text) Insert(pos int, s string) []byte {
	if pos < 0 {
		pos = 0
	}
	if n := self.Len(); pos > n {
		pos = n
	}
	at := self.visibleIndex(pos)
	origin := ID{}
	if 0 < at {
		origin = self.items[at-1].id
	}
	ops := []op{}
	for _, ch := range s {
		o := op{
			typ:    opInsert,
			id:     self.nextID(),
			clock:  self.nextClock(),
			origin: origin,
			ch:     ch,
		}
		self.apply(o)
		ops = append(ops, o)
		origin = o.id
	}
	return encodeOps(ops)
}

// Delete applies a local delete of n visible runes starting at pos and
// returns the encoded update for peers.
func (self *Text) Delete(pos int, n int) []byte {
	if pos < 0 {
		pos = 0
	}
	ops := []op{}
	seen := 0
	for _, it := range self.items {
		if it.deleted {
			continue
		}
		if pos <= seen && len(ops) < n {
			o := op{
				typ:    opDelete,
				id:     self.nextID(),
				clock:  self.nextClock(),
				target: it.id,
			}
			ops = append(ops, o)
		}
		seen += 1
		if n <= len(ops) {
			break
		}
	}
	for _, o := range ops {
		self.apply(o)
	}
	return encodeOps(ops)
}

// Merge integrates an update produced by another replica. Already-contained
// ops are skipped, ops with missing dependencies are buffered until their
// dependencies arrive, and malformed bytes are rejected without applying
// anything.
func (self *Text) Merge(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	for _, o := range ops {
		if self.contains(o.id) {
			continue
		}
		if _, ok := self.pending[o.id]; ok {
			continue
		}
		if self.ready(o) {
			self.apply(o)
			self.drainPending()
		} else {
			self.pending[o.id] = o
		}
	}
	return nil
}

func (self *Text) contains(id ID) bool {
	return id.Seq <= self.sv[id.Replica]
}

// ready reports whether all of the op's dependencies are present: every
// earlier op from the same replica, and its origin or target item. Seq
// values are contiguous, so the next applicable Seq is always sv+1.
func (self *Text) ready(o op) bool {
	if o.id.Seq != self.sv[o.id.Replica]+1 {
		return false
	}
	switch o.typ {
	case opInsert:
		return o.origin.IsZero() || self.find(o.origin) >= 0
	case opDelete:
		return self.find(o.target) >= 0
	}
	return false
}

func (self *Text) drainPending() {
	progress := true
	for progress && 0 < len(self.pending) {
		progress = false
		for id, o := range self.pending {
			if self.contains(id) {
				delete(self.pending, id)
				progress = true
				continue
			}
			if self.ready(o) {
				delete(self.pending, id)
				self.apply(o)
				progress = true
			}
		}
	}
}

// apply assumes the op is ready and not contained.
func (self *Text) apply(o op) {
	switch o.typ {
	case opInsert:
		self.integrate(o)
	case opDelete:
		if i := self.find(o.target); 0 <= i {
			self.items[i].deleted = true
		}
	}
	if self.sv[o.id.Replica] < o.id.Seq {
		self.sv[o.id.Replica] = o.id.Seq
	}
	if self.clock < o.clock {
		self.clock = o.clock
	}
	self.log = append(self.log, o)
}

func (self *Text) find(id ID) int {
	for i, it := range self.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places an insert into the sequence. Starting just right of the
// origin, it skips concurrent siblings that sort earlier (and their
// subtrees) and stops at the first sibling that sorts later or the first
// item attached further left.
func (self *Text) integrate(o op) {
	it := &item{
		id:     o.id,
		clock:  o.clock,
		origin: o.origin,
		ch:     o.ch,
	}
	originIndex := map[ID]int{}
	for i, existing := range self.items {
		originIndex[existing.id] = i
	}
	left := -1
	if !o.origin.IsZero() {
		left = originIndex[o.origin]
	}
	at := left + 1
	for at < len(self.items) {
		y := self.items[at]
		yLeft := -1
		if !y.origin.IsZero() {
			yLeft = originIndex[y.origin]
		}
		if yLeft < left {
			break
		}
		if yLeft == left && !y.before(it) {
			break
		}
		at += 1
	}
	self.items = append(self.items, nil)
	copy(self.items[at+1:], self.items[at:])
	self.items[at] = it
}

// EncodeFull serializes the complete state as one update that an empty
// replica can merge.
func (self *Text) EncodeFull() []byte {
	return encodeOps(self.log)
}

// EncodeStateVector serializes the containment summary.
func (self *Text) EncodeStateVector() []byte {
	return self.sv.Encode()
}

// StateVector returns a copy of the containment summary.
func (self *Text) StateVector() StateVector {
	return self.sv.Clone()
}

// DiffUpdate encodes the minimal delta a peer with the given state vector is
// missing. An empty remote vector yields the full state.
func (self *Text) DiffUpdate(remote StateVector) []byte {
	ops := []op{}
	for _, o := range self.log {
		if remote[o.id.Replica] < o.id.Seq {
			ops = append(ops, o)
		}
	}
	return encodeOps(ops)
}
