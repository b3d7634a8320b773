// Package auth implements message authentication for the replication
// protocol.
//
// Two schemes are supported. Signatures (Ed25519) protect messages that
// third parties must be able to check later: checkpoints, view-changes,
// new-views and client replies. MAC vectors protect the ordering hot
// path: one truncated keyed-BLAKE2b tag per recipient, computed with
// the pairwise key the sender shares with that recipient. The vector is
// cheap to build and each recipient checks only its own entry.
//
// The Authenticator also carries a double-sign guard: this node will
// not authenticate two different batch digests for the same
// (kind, view, seqno) coordinate.
//
// VerifyWeaker deliberately checks form only. Its single caller accepts
// a pre-prepare whose digest is already vouched for by a weak quorum of
// strictly-verified prepares, so at least one correct replica has seen
// the full message.
package auth
