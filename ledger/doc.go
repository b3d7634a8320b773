// Package ledger defines the write-only sink the replica emits ordered
// batches to.
//
// The core appends one entry per executed batch, strictly in execution
// order, and truncates only on behalf of higher layers. The wire shape
// is a length-prefixed frame: a 4-byte little-endian length followed by
// the payload for appends, and an 8-byte little-endian index for
// truncates.
//
// Three sinks are provided: FileSink (a single append-only file of
// frames), ChanSink (forwards events to a host-owned channel) and
// NopSink. The transport between replica and host is irrelevant to the
// core; anything that can carry the frames will do.
package ledger
