package engine

import (
	"github.com/blockberries/byzberry/types"
)

// maybeCheckpoint emits a checkpoint attestation every
// CheckpointInterval executed seqnos
func (r *Replica) maybeCheckpoint(s types.Seqno) {
	if uint64(s)%r.cfg.CheckpointInterval != 0 {
		return
	}

	ck := &types.Checkpoint{
		Sender:      r.id,
		Seqno:       s,
		StateDigest: r.kernel.StateDigest(),
	}
	r.log.Debug().Uint64("seqno", uint64(s)).Str("digest", ck.StateDigest.String()).Msg("checkpointing")

	cert := r.checkpointCert(s)
	if cert == nil {
		return
	}
	if _, err := cert.Add(checkpointVote{ck}, true); err != nil {
		r.log.Error().Err(err).Msg("failed to record own checkpoint")
		return
	}
	r.broadcast(ck)
	r.checkStable(s)
}

// checkpointCert returns (creating on demand) the certificate for a
// checkpoint seqno, or nil when the seqno is not an acceptable
// checkpoint coordinate.
func (r *Replica) checkpointCert(s types.Seqno) *Certificate[checkpointVote] {
	if s <= r.lastStable {
		return nil
	}
	if uint64(s)%r.cfg.CheckpointInterval != 0 {
		return nil
	}
	// Bound far-future coordinates a byzantine flood could allocate.
	if s >= r.lastStable+types.Seqno(16*r.cfg.MaxOut) {
		return nil
	}
	cert, ok := r.checkpoints[s]
	if !ok {
		cert = NewCertificate[checkpointVote](r.principals.QuorumSize())
		r.checkpoints[s] = cert
	}
	return cert
}

// onCheckpoint handles a peer's checkpoint attestation
func (r *Replica) onCheckpoint(ck *types.Checkpoint, raw []byte) {
	if ck.Sender == r.id {
		return
	}
	if err := r.auth.Verify(ck); err != nil {
		r.log.Debug().Err(err).Msg("dropping checkpoint")
		return
	}

	// A second digest for the same seqno from the same sender is
	// equivocation evidence; the first vote stands.
	if ev := r.pool.Observe(ck.Sender, types.KindCheckpoint, 0, ck.Seqno, ck.StateDigest, raw); ev != nil {
		r.diagnose(Diagnostic{Severity: SeverityMisbehavior, Message: "replica equivocated on checkpoint", Proof: ev})
		return
	}

	cert := r.checkpointCert(ck.Seqno)
	if cert == nil {
		return
	}
	if _, err := cert.Add(checkpointVote{ck}, false); err != nil {
		return
	}
	r.checkStable(ck.Seqno)
	r.checkLaggingBehindQuorum()
}

// checkStable reacts to a checkpoint certificate completing
func (r *Replica) checkStable(s types.Seqno) {
	cert, ok := r.checkpoints[s]
	if !ok || !cert.IsComplete() || s <= r.lastStable {
		return
	}

	digest, derr := types.NewDigest(digestFromKey(cert.ValueKey()))
	if derr != nil {
		return
	}

	if r.lastExec < s {
		// Stability formed ahead of our execution. If the window can
		// no longer reach it, only a state transfer will.
		if s >= r.lastStable+types.Seqno(r.cfg.MaxOut) {
			r.startStateTransfer(s, digest)
		}
		return
	}

	if mine, ok := cert.Mine(); ok && !mine.msg.StateDigest.Equal(digest) {
		// Our state diverged from the quorum's. Stop trusting local
		// execution and recover from peers.
		r.diagnose(Diagnostic{Severity: SeverityRecovery, Message: "local state digest diverges from stable quorum"})
		r.startStateTransfer(s, digest)
		return
	}

	r.markStable(s, digest, checkpointProof(cert))
}

// checkpointProof extracts the 2f+1 matching attestations
func checkpointProof(cert *Certificate[checkpointVote]) []types.Checkpoint {
	votes := cert.Value()
	out := make([]types.Checkpoint, len(votes))
	for i, v := range votes {
		out[i] = *v.msg
	}
	return out
}

// digestFromKey undoes checkpointVote.VoteKey (a hex digest)
func digestFromKey(key string) []byte {
	out := make([]byte, len(key)/2)
	for i := 0; i < len(out); i++ {
		out[i] = unhex(key[2*i])<<4 | unhex(key[2*i+1])
	}
	return out
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// markStable installs a stable checkpoint: the log truncates, the
// retained snapshot refreshes, and bookkeeping below the mark is
// released.
func (r *Replica) markStable(s types.Seqno, digest types.Digest, proof []types.Checkpoint) {
	r.log.Info().Uint64("seqno", uint64(s)).Msg("checkpoint stable")

	r.lastStable = s
	r.stableProof = proof
	r.slots.Truncate(s + 1)
	if r.nextSeqno <= s {
		r.nextSeqno = s + 1
	}
	if r.lastCommitted < s {
		r.lastCommitted = s
	}
	if r.lastPrepared < s {
		r.lastPrepared = s
	}

	for old := range r.checkpoints {
		if old < s {
			delete(r.checkpoints, old)
		}
	}
	r.auth.ReleaseGuardBelow(s + 1)
	r.pool.ReleaseBelow(s + 1)

	// Retain the snapshot this mark anchors, for lagging peers.
	if r.lastExec >= s {
		chunks, err := r.kernel.Snapshot()
		if err != nil {
			r.log.Error().Err(err).Msg("snapshot failed; state transfer service degraded")
		} else {
			r.snapshot = &snapshotState{seqno: s, digest: digest, chunks: chunks, proof: proof}
		}
	}

	// The window advanced; the primary may have ordering headroom again.
	r.maybeSendPrePrepare()
}

// checkLaggingBehindQuorum detects a weak quorum attesting checkpoints
// beyond our window: at least one correct replica is that far ahead, so
// normal ordering can no longer catch us up.
func (r *Replica) checkLaggingBehindQuorum() {
	horizon := r.lastStable + types.Seqno(r.cfg.MaxOut)

	attesters := make(map[types.ReplicaID]bool)
	for s, cert := range r.checkpoints {
		if s < horizon {
			continue
		}
		for _, id := range r.principals.IDs() {
			if cert.Has(id) {
				attesters[id] = true
			}
		}
	}
	if len(attesters) >= r.principals.WeakQuorum() {
		// Target unknown until the estimator hears back from peers.
		r.startStateTransfer(0, types.Digest{})
	}
}

// StableEstimator aggregates ReplyStable reports to bootstrap a lagging
// replica's stability estimate: the highest seqno that f+1 replicas
// have checkpointed at-or-above and 2f+1 have prepared at-or-above, so
// at least one correct replica vouches for it. The estimate is
// recomputed over the full table after every update.
type StableEstimator struct {
	f  int
	lc map[types.ReplicaID]types.Seqno
	lp map[types.ReplicaID]types.Seqno
}

// NewStableEstimator creates an estimator for a set tolerating f faults
func NewStableEstimator(f int) *StableEstimator {
	return &StableEstimator{
		f:  f,
		lc: make(map[types.ReplicaID]types.Seqno),
		lp: make(map[types.ReplicaID]types.Seqno),
	}
}

// Add records a sender's (last checkpoint, last prepared) pair. A
// sender's later report replaces its earlier one.
func (e *StableEstimator) Add(sender types.ReplicaID, lastCheckpoint, lastPrepared types.Seqno) {
	e.lc[sender] = lastCheckpoint
	e.lp[sender] = lastPrepared
}

// Estimate returns the current low-water-mark estimate. ok is false
// until enough reports support any estimate.
func (e *StableEstimator) Estimate() (types.Seqno, bool) {
	var best types.Seqno
	found := false

	for _, candidate := range e.lc {
		nlc := 0
		for _, v := range e.lc {
			if v >= candidate {
				nlc++
			}
		}
		nlp := 0
		for _, v := range e.lp {
			if v >= candidate {
				nlp++
			}
		}
		if nlc >= e.f+1 && nlp >= 2*e.f+1 {
			if !found || candidate > best {
				best = candidate
				found = true
			}
		}
	}
	return best, found
}

// Clear resets the table
func (e *StableEstimator) Clear() {
	e.lc = make(map[types.ReplicaID]types.Seqno)
	e.lp = make(map[types.ReplicaID]types.Seqno)
}

// onQueryStable answers a stability query with this replica's marks
func (r *Replica) onQueryStable(q *types.QueryStable) {
	if q.Sender == r.id {
		return
	}
	if err := r.auth.Verify(q); err != nil {
		r.log.Debug().Err(err).Msg("dropping query-stable")
		return
	}
	r.send(q.Sender, &types.ReplyStable{
		Sender:         r.id,
		Nonce:          q.Nonce,
		LastCheckpoint: r.lastStable,
		LastPrepared:   r.lastPrepared,
	})
}

// onReplyStable feeds a stability report into an active estimate
func (r *Replica) onReplyStable(m *types.ReplyStable) {
	if err := r.auth.Verify(m); err != nil {
		r.log.Debug().Err(err).Msg("dropping reply-stable")
		return
	}
	r.fetchReplyStable(m)
}
