package engine

import (
	"io"
	"strings"
	"testing"

	"github.com/blockberries/byzberry/types"
)

type testEntry struct {
	seqno types.Seqno
	value int
}

func newTestLog(t *testing.T, size uint64, head types.Seqno) *Log[*testEntry] {
	t.Helper()
	l, err := NewLog(size, head, func(s types.Seqno) *testEntry {
		return &testEntry{seqno: s}
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNewLogRejectsNonPowerOfTwo(t *testing.T) {
	for _, size := range []uint64{0, 3, 12, 100} {
		if _, err := NewLog(size, 1, func(s types.Seqno) int { return 0 }); err == nil {
			t.Errorf("size %d should be rejected", size)
		}
	}
}

func TestLogRange(t *testing.T) {
	l := newTestLog(t, 8, 1)

	if l.Head() != 1 {
		t.Errorf("Head() = %d, want 1", l.Head())
	}
	if l.MaxSeqno() != 8 {
		t.Errorf("MaxSeqno() = %d, want 8", l.MaxSeqno())
	}
	if l.WithinRange(0) {
		t.Error("0 should be below range")
	}
	if !l.WithinRange(1) || !l.WithinRange(8) {
		t.Error("1 and 8 should be in range")
	}
	if l.WithinRange(9) {
		t.Error("9 should be above range")
	}
}

func TestLogFetchReturnsSlotForSeqno(t *testing.T) {
	l := newTestLog(t, 8, 1)
	for s := types.Seqno(1); s <= 8; s++ {
		e := l.Fetch(s)
		if e.seqno != s {
			t.Errorf("Fetch(%d).seqno = %d", s, e.seqno)
		}
	}
}

func TestLogFetchOutOfRangePanics(t *testing.T) {
	l := newTestLog(t, 8, 1)
	defer func() {
		if recover() == nil {
			t.Error("Fetch out of range should panic")
		}
	}()
	l.Fetch(9)
}

func TestLogTruncateAdvancesHead(t *testing.T) {
	l := newTestLog(t, 8, 1)
	l.Fetch(3).value = 33
	l.Fetch(8).value = 88

	l.Truncate(5)

	if l.Head() != 5 {
		t.Errorf("Head() = %d, want 5", l.Head())
	}
	if l.WithinRange(4) {
		t.Error("4 should be out of range after truncation")
	}
	if !l.WithinRange(12) {
		t.Error("12 should be in range after truncation")
	}
	// Surviving entries keep their state.
	if l.Fetch(8).value != 88 {
		t.Error("entry 8 should survive truncation")
	}
	// Vacated positions re-enter the window fresh.
	e := l.Fetch(11) // same ring position as 3
	if e.seqno != 11 || e.value != 0 {
		t.Errorf("vacated slot should be fresh: %+v", e)
	}
}

func TestLogTruncateIsMonotonic(t *testing.T) {
	l := newTestLog(t, 8, 5)
	l.Truncate(3) // below head: no-op
	if l.Head() != 5 {
		t.Errorf("Head() = %d, want 5", l.Head())
	}
	l.Truncate(5) // equal: no-op
	if l.Head() != 5 {
		t.Errorf("Head() = %d, want 5", l.Head())
	}
}

func TestLogTruncatePastWholeWindow(t *testing.T) {
	l := newTestLog(t, 8, 1)
	for s := types.Seqno(1); s <= 8; s++ {
		l.Fetch(s).value = int(s)
	}

	l.Truncate(100)

	if l.Head() != 100 {
		t.Errorf("Head() = %d, want 100", l.Head())
	}
	for s := types.Seqno(100); s < 108; s++ {
		e := l.Fetch(s)
		if e.seqno != s || e.value != 0 {
			t.Errorf("slot %d should be fresh: %+v", s, e)
		}
	}
}

func TestLogClear(t *testing.T) {
	l := newTestLog(t, 8, 1)
	l.Fetch(2).value = 2
	l.Clear(41)
	if l.Head() != 41 {
		t.Errorf("Head() = %d, want 41", l.Head())
	}
	for s := types.Seqno(41); s < 49; s++ {
		if e := l.Fetch(s); e.seqno != s || e.value != 0 {
			t.Errorf("slot %d should be fresh after Clear: %+v", s, e)
		}
	}
}

type dumpEntry struct {
	empty bool
	label string
}

func (d *dumpEntry) IsEmpty() bool { return d.empty }
func (d *dumpEntry) DumpState(w io.Writer) {
	w.Write([]byte(d.label))
}

func TestLogDumpState(t *testing.T) {
	l, err := NewLog(4, 1, func(s types.Seqno) *dumpEntry {
		return &dumpEntry{empty: true}
	})
	if err != nil {
		t.Fatal(err)
	}
	e := l.Fetch(2)
	e.empty = false
	e.label = "two"

	var sb strings.Builder
	l.DumpState(&sb)
	out := sb.String()
	if !strings.Contains(out, "head:1") {
		t.Errorf("dump should include head: %q", out)
	}
	if !strings.Contains(out, "seqno:2 two") {
		t.Errorf("dump should include non-empty slot: %q", out)
	}
	if strings.Contains(out, "seqno:3") {
		t.Errorf("dump should skip empty slots: %q", out)
	}
}
