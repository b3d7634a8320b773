// Package evidence records observed protocol misbehavior.
//
// The replica feeds every authenticated ordering message through
// Pool.Observe. When a sender issues two different digests for the same
// (kind, view, seqno) coordinate, the pool captures both raw encodings
// as an immutable Equivocation proof. Proofs are surfaced to the
// operator channel; the protocol neither halts nor retaliates, and
// nothing is ever sent back to the misbehaving peer.
package evidence
