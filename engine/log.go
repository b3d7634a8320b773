package engine

import (
	"fmt"
	"io"

	"github.com/blockberries/byzberry/types"
)

// Log is a bounded ring of entries ordered by seqno. It holds size
// consecutive entries starting at head; size must be a power of two.
// Truncation advances head and resets the vacated entries.
type Log[S any] struct {
	head  types.Seqno
	size  uint64
	mask  uint64
	elems []S
	fresh func(types.Seqno) S
}

// NewLog creates a log of size entries with the given head. fresh is
// called to populate each slot, and again whenever truncation vacates
// one.
func NewLog[S any](size uint64, head types.Seqno, fresh func(types.Seqno) S) (*Log[S], error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("log size must be a power of two, got %d", size)
	}
	l := &Log[S]{
		head:  head,
		size:  size,
		mask:  size - 1,
		elems: make([]S, size),
		fresh: fresh,
	}
	for s := head; s < head+types.Seqno(size); s++ {
		l.elems[l.mod(s)] = fresh(s)
	}
	return l, nil
}

func (l *Log[S]) mod(s types.Seqno) uint64 {
	return uint64(s) & l.mask
}

// Head returns the lowest seqno held
func (l *Log[S]) Head() types.Seqno {
	return l.head
}

// MaxSeqno returns the highest seqno that can be held
func (l *Log[S]) MaxSeqno() types.Seqno {
	return l.head + types.Seqno(l.size) - 1
}

// WithinRange reports whether seqno is currently held
func (l *Log[S]) WithinRange(s types.Seqno) bool {
	return s >= l.head && s < l.head+types.Seqno(l.size)
}

// Fetch returns the entry for seqno. It panics if seqno is out of
// range; callers check WithinRange first.
func (l *Log[S]) Fetch(s types.Seqno) S {
	if !l.WithinRange(s) {
		panic(fmt.Sprintf("log fetch out of range: seqno %d, head %d, size %d", s, l.head, l.size))
	}
	return l.elems[l.mod(s)]
}

// Truncate clears all entries with seqno below newHead and advances
// head. A newHead at or below the current head is a no-op.
func (l *Log[S]) Truncate(newHead types.Seqno) {
	if newHead <= l.head {
		return
	}

	// When the whole window is skipped every slot is vacated once.
	from := l.head
	if newHead-l.head >= types.Seqno(l.size) {
		from = newHead
		for s := from; s < newHead+types.Seqno(l.size); s++ {
			l.elems[l.mod(s)] = l.fresh(s)
		}
		l.head = newHead
		return
	}

	for s := from; s < newHead; s++ {
		// The vacated slot re-enters the window at s + size.
		l.elems[l.mod(s)] = l.fresh(s + types.Seqno(l.size))
	}
	l.head = newHead
}

// Clear resets every entry and moves head to h
func (l *Log[S]) Clear(h types.Seqno) {
	l.head = h
	for s := h; s < h+types.Seqno(l.size); s++ {
		l.elems[l.mod(s)] = l.fresh(s)
	}
}

// dumpable is implemented by entries that can describe themselves
type dumpable interface {
	IsEmpty() bool
	DumpState(io.Writer)
}

// DumpState writes a debugging summary of the non-empty entries
func (l *Log[S]) DumpState(w io.Writer) {
	fmt.Fprintf(w, "head:%d\n", l.head)
	for s := l.head; s < l.head+types.Seqno(l.size); s++ {
		entry, ok := any(l.elems[l.mod(s)]).(dumpable)
		if !ok || entry.IsEmpty() {
			continue
		}
		fmt.Fprintf(w, "seqno:%d ", s)
		entry.DumpState(w)
		fmt.Fprintln(w)
	}
}
