package ledger

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestFileSink(t *testing.T) *FileSink {
	t.Helper()
	s, err := NewFileSink(filepath.Join(t.TempDir(), "ledger"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileSinkAppendAndReadBack(t *testing.T) {
	s := newTestFileSink(t)

	entries := [][]byte{[]byte("b1"), []byte("batch two"), []byte("3")}
	for _, e := range entries {
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}

	got, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("read back %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if !bytes.Equal(got[i], entries[i]) {
			t.Errorf("entry %d = %q, want %q", i, got[i], entries[i])
		}
	}
}

func TestFileSinkTruncate(t *testing.T) {
	s := newTestFileSink(t)

	for _, e := range [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")} {
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Truncate(2); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 2 {
		t.Errorf("Count() after truncate = %d, want 2", s.Count())
	}

	got, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], []byte("a")) || !bytes.Equal(got[1], []byte("b")) {
		t.Errorf("unexpected entries after truncate: %q", got)
	}

	// Appends continue after truncation.
	if err := s.Append([]byte("e")); err != nil {
		t.Fatal(err)
	}
	got, err = s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || !bytes.Equal(got[2], []byte("e")) {
		t.Errorf("unexpected entries after re-append: %q", got)
	}
}

func TestFileSinkTruncateBeyondEndIsNoop(t *testing.T) {
	s := newTestFileSink(t)
	if err := s.Append([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Truncate(5); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
}

func TestFileSinkReopenRecoversCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")

	s, err := NewFileSink(path, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range [][]byte{[]byte("a"), []byte("bb")} {
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileSink(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.Count() != 2 {
		t.Errorf("reopened Count() = %d, want 2", reopened.Count())
	}
	got, err := reopened.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !bytes.Equal(got[1], []byte("bb")) {
		t.Errorf("unexpected entries after reopen: %q", got)
	}
}

func TestFileSinkClosedRejectsWrites(t *testing.T) {
	s := newTestFileSink(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Append([]byte("x")); err != ErrSinkClosed {
		t.Errorf("Append on closed sink: %v", err)
	}
	if err := s.Truncate(0); err != ErrSinkClosed {
		t.Errorf("Truncate on closed sink: %v", err)
	}
}
