// Package engine implements the Byzantine-fault-tolerant replicated
// state machine: a PBFT-family protocol ordering signed client requests
// across n = 3f+1 replicas tolerating f arbitrary faults.
//
// # Core Components
//
// Replica: the owning value for all protocol state. One event loop
// goroutine serially processes inbound messages, timer expirations and
// anti-entropy ticks; nothing else mutates protocol state.
//
// Log: a bounded ring of MAX_OUT slots indexed by seqno from the stable
// head. Truncation advances the head when checkpoints stabilize.
//
// Certificate: a generic threshold aggregator collecting matching votes
// from distinct senders. Prepare and commit certificates complete at
// 2f+1; completion fires at most once.
//
// Ordering: the primary batches queued requests into pre-prepares;
// backups echo prepares; 2f+1 matching prepares make a slot prepared,
// 2f+1 commits make it committed; a single cursor executes committed
// slots strictly in seqno order and appends each batch to the ledger
// sink.
//
// Checkpointing: every CHECKPOINT_INTERVAL executions the replica
// attests its state digest; 2f+1 matching attestations make the
// checkpoint stable, truncating the log and re-anchoring the window.
//
// View change: a "no progress" watchdog retires a suspected-faulty
// primary. View-changes carry stable proofs and prepared certificates;
// the new primary re-issues the prepared digests from the highest view
// proven, filling gaps with null pre-prepares, and every replica
// verifies the re-proposal independently.
//
// State transfer: lagging replicas estimate the network's stable mark
// from ReplyStable reports, fetch a proof-carrying snapshot, install it
// atomically, and re-execute the committed batches above it.
//
// Client: the request-issuing role. It targets the primary, retransmits
// adaptively, broadcasts when the primary is implicated, and accepts a
// result vouched for by f+1 matching replies.
//
// # Concurrency
//
// The event loop owns the log, certificates and reply cache; exported
// queries take the replica mutex. Transports must preserve per-sender
// FIFO delivery into Deliver.
package engine
