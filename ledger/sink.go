package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSize is the width of the length prefix on an append frame
const FrameSize = 4

// TruncateFrameSize is the width of a truncate frame (the index)
const TruncateFrameSize = 8

// Errors
var (
	ErrSinkClosed    = errors.New("ledger sink is closed")
	ErrFrameTooShort = errors.New("ledger frame too short")
	ErrEntryTooLarge = errors.New("ledger entry too large")
)

// maxEntrySize bounds a single ledger entry
const maxEntrySize = 1 << 30

// Sink is the write-only ledger surface the replica emits to. One
// Append per executed batch, in execution order; Truncate only when a
// higher layer rolls back uncommitted suffixes.
type Sink interface {
	// Append writes one entry, the batch's canonical serialization
	Append(entry []byte) error

	// Truncate discards entries at and above index
	Truncate(index uint64) error
}

// EncodeAppendFrame renders an append as a length-prefixed frame:
// a FrameSize little-endian length followed by the payload.
func EncodeAppendFrame(entry []byte) ([]byte, error) {
	if len(entry) > maxEntrySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(entry))
	}
	out := make([]byte, FrameSize+len(entry))
	binary.LittleEndian.PutUint32(out, uint32(len(entry)))
	copy(out[FrameSize:], entry)
	return out, nil
}

// DecodeAppendFrame parses one append frame from data, returning the
// entry and the remaining bytes.
func DecodeAppendFrame(data []byte) (entry, rest []byte, err error) {
	if len(data) < FrameSize {
		return nil, nil, ErrFrameTooShort
	}
	n := binary.LittleEndian.Uint32(data)
	if uint64(len(data)-FrameSize) < uint64(n) {
		return nil, nil, ErrFrameTooShort
	}
	entry = make([]byte, n)
	copy(entry, data[FrameSize:FrameSize+n])
	return entry, data[FrameSize+n:], nil
}

// EncodeTruncateFrame renders a truncate as an 8-byte little-endian
// index.
func EncodeTruncateFrame(index uint64) []byte {
	out := make([]byte, TruncateFrameSize)
	binary.LittleEndian.PutUint64(out, index)
	return out
}

// DecodeTruncateFrame parses a truncate frame
func DecodeTruncateFrame(data []byte) (uint64, error) {
	if len(data) < TruncateFrameSize {
		return 0, ErrFrameTooShort
	}
	return binary.LittleEndian.Uint64(data), nil
}

// NopSink discards all events; for replicas that do not host a ledger
type NopSink struct{}

func (NopSink) Append(entry []byte) error   { return nil }
func (NopSink) Truncate(index uint64) error { return nil }

var _ Sink = NopSink{}

// EventType discriminates sink events
type EventType uint8

const (
	// EventAppend carries one appended entry
	EventAppend EventType = iota + 1
	// EventTruncate carries the index to truncate from
	EventTruncate
)

// Event is one sink emission, as observed by a host draining a ChanSink
type Event struct {
	Type  EventType
	Entry []byte
	Index uint64
}

// ChanSink forwards events to a channel; the host on the other side
// owns durability. Sends never block: if the channel is full the sink
// reports an error rather than stalling the execution path.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a ChanSink with the given buffer depth
func NewChanSink(depth int) *ChanSink {
	return &ChanSink{ch: make(chan Event, depth)}
}

// Events returns the receive side
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Append forwards an append event
func (s *ChanSink) Append(entry []byte) error {
	cp := make([]byte, len(entry))
	copy(cp, entry)
	select {
	case s.ch <- Event{Type: EventAppend, Entry: cp}:
		return nil
	default:
		return errors.New("ledger event channel full")
	}
}

// Truncate forwards a truncate event
func (s *ChanSink) Truncate(index uint64) error {
	select {
	case s.ch <- Event{Type: EventTruncate, Index: index}:
		return nil
	default:
		return errors.New("ledger event channel full")
	}
}

var _ Sink = (*ChanSink)(nil)
