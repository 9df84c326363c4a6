package timewheel

import (
	"container/list"
	"fmt"
	"time"
)

// Block is one tier of the wheel: a circular array of slots of equal width.
// The cursor marks the slot due at the next elapsed slot boundary. All state
// is guarded by the wheel's mutex.
type Block struct {
	wheel *Wheel

	slotCount  int
	slotDur    time.Duration
	checkEvery time.Duration

	cursor     int
	slots      []list.List
	immediates list.List
	pending    int

	lastCheck time.Time // advanced in whole slots, the remainder carries
	nextCheck time.Time

	replacedBy *Block
	replacing  *Block
}

func newBlock(w *Wheel, t Tier, now time.Time) *Block {
	b := &Block{
		wheel:      w,
		slotCount:  t.slotCount(),
		slotDur:    t.Slot,
		checkEvery: t.Check,
	}
	b.slots = make([]list.List, b.slotCount)
	b.resync(now)
	return b
}

// capacity is the longest delay a single placement can represent.
func (b *Block) capacity() time.Duration {
	return time.Duration(b.slotCount-1) * b.slotDur
}

// terminal follows the migration chain to the block taking new entries.
func (b *Block) terminal() *Block {
	for b.replacedBy != nil {
		b = b.replacedBy
	}
	return b
}

func (b *Block) slotted() int {
	return b.pending - b.immediates.Len()
}

func (b *Block) resync(now time.Time) {
	b.lastCheck = now
	b.nextCheck = now.Add(b.checkEvery)
}

// insert queues r to fire no earlier than delay from now.
func (b *Block) insert(r *Registrant, delay time.Duration, now time.Time) {
	if b.slotted() == 0 {
		// Nothing to keep in step with; restart the clock of an idle block.
		b.resync(now)
	}

	r.offset = int((delay + b.slotDur - 1) / b.slotDur)

	// Slot cursor+j is handled once (j+1) slots have elapsed since lastCheck,
	// so the time already elapsed in the current slot counts toward the delay.
	lag := now.Sub(b.lastCheck)
	if lag < 0 {
		lag = 0
	}
	j := int((lag+delay+b.slotDur-1)/b.slotDur) - 1
	if j < 0 {
		j = 0
	}
	if j > b.slotCount-1 {
		j = b.slotCount - 1
	}

	b.link(r, &b.slots[(b.cursor+j)%b.slotCount], now)
}

func (b *Block) pushImmediate(r *Registrant, now time.Time) {
	b.link(r, &b.immediates, now)
}

func (b *Block) link(r *Registrant, l *list.List, now time.Time) {
	r.block = b
	r.slot = l
	r.elem = l.PushBack(r)
	r.placedAt = now
	b.pending++
	b.wheel.pending++
}

// unlink removes r from its list in O(1).
func (b *Block) unlink(r *Registrant) {
	r.slot.Remove(r.elem)
	r.slot = nil
	r.elem = nil
	b.dec()
}

func (b *Block) dec() {
	b.pending--
	b.wheel.pending--
	if b.pending < 0 || b.wheel.pending < 0 {
		panic(fmt.Errorf("%w: pending count %d (wheel %d)", ErrInvariant, b.pending, b.wheel.pending))
	}
	if b.wheel.pending == 0 {
		b.wheel.idleSince = b.wheel.Now()
		b.wheel.wakeIfIdleLocked()
	}
}

// due reports whether collect has anything to do at now.
func (b *Block) due(now time.Time) bool {
	if b.immediates.Len() > 0 {
		return true
	}
	return b.slotted() > 0 && !now.Before(b.nextCheck)
}

// collect detaches every registrant due at now and appends it to out,
// immediates first, then slots in cursor order, FIFO within a slot.
func (b *Block) collect(now time.Time, out []*Registrant) []*Registrant {
	out = b.drain(&b.immediates, out)

	if now.Before(b.nextCheck) {
		return out
	}
	b.nextCheck = now.Add(b.checkEvery)

	elapsed := int(now.Sub(b.lastCheck) / b.slotDur)
	if elapsed <= 0 {
		return out
	}
	b.lastCheck = b.lastCheck.Add(time.Duration(elapsed) * b.slotDur)

	// A block that fell behind by more than a lap visits each slot once.
	n := min(elapsed, b.slotCount)
	for i := 0; i < n; i++ {
		out = b.drain(&b.slots[(b.cursor+i)%b.slotCount], out)
	}
	b.cursor = (b.cursor + n) % b.slotCount
	return out
}

func (b *Block) drain(l *list.List, out []*Registrant) []*Registrant {
	for e := l.Front(); e != nil; e = l.Front() {
		r := e.Value.(*Registrant)
		b.unlink(r)
		out = append(out, r)
	}
	return out
}

// BlockStats is a point-in-time view of one block.
type BlockStats struct {
	Slots      int
	Slot       time.Duration
	Check      time.Duration
	Capacity   time.Duration
	Cursor     int
	Pending    int
	Immediates int
	Superseded bool
}

func (b *Block) stats() BlockStats {
	return BlockStats{
		Slots:      b.slotCount,
		Slot:       b.slotDur,
		Check:      b.checkEvery,
		Capacity:   b.capacity(),
		Cursor:     b.cursor,
		Pending:    b.pending,
		Immediates: b.immediates.Len(),
		Superseded: b.replacedBy != nil,
	}
}
