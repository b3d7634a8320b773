package engine

import (
	"sort"
	"time"

	"github.com/blockberries/byzberry/types"
)

// maxBatchesPerFetchReply bounds one reply's payload
const maxBatchesPerFetchReply = 256

// fetcher tracks an in-progress state transfer. A transfer begins by
// estimating the network's stable mark when no verified target is
// known, then fetches the snapshot and subsequent committed batches
// from one peer at a time, rotating peers on failure.
type fetcher struct {
	active       bool
	estimating   bool
	nonce        uint64
	estimator    *StableEstimator
	target       types.Seqno
	targetDigest types.Digest
	retries      int
	lastAttempt  time.Time
}

// startStateTransfer begins (or retargets) a transfer. A zero target
// means the destination is unknown and must be estimated from peers.
func (r *Replica) startStateTransfer(target types.Seqno, digest types.Digest) {
	if r.fetch.active {
		if target == 0 || target <= r.fetch.target {
			return
		}
		// A higher verified target supersedes the current one.
		r.fetch.target = target
		r.fetch.targetDigest = digest
		r.fetch.estimating = false
		r.sendFetch()
		return
	}

	r.fetch = fetcher{active: true, lastAttempt: time.Now()}
	r.fetch.nonce = uint64(r.id)<<32 | uint64(time.Now().UnixNano()&0xFFFFFFFF)

	if target == 0 {
		r.log.Info().Msg("state transfer: estimating network stable mark")
		r.fetch.estimating = true
		r.fetch.estimator = NewStableEstimator(r.principals.F())
		r.fetch.estimator.Add(r.id, r.lastStable, r.lastPrepared)
		r.broadcast(&types.QueryStable{Sender: r.id, Nonce: r.fetch.nonce})
		return
	}

	r.log.Info().Uint64("target", uint64(target)).Msg("state transfer: fetching")
	r.fetch.target = target
	r.fetch.targetDigest = digest
	r.sendFetch()
}

// fetchReplyStable feeds one stability report into the estimator
func (r *Replica) fetchReplyStable(m *types.ReplyStable) {
	if !r.fetch.active || !r.fetch.estimating || m.Nonce != r.fetch.nonce {
		return
	}
	r.fetch.estimator.Add(m.Sender, m.LastCheckpoint, m.LastPrepared)

	est, ok := r.fetch.estimator.Estimate()
	if !ok {
		return
	}
	if est <= r.lastExec {
		// A low estimate can still rise as further reports arrive. Only
		// once every replica has reported and none vouches for more than
		// this replica holds is there nothing worth transferring.
		if len(r.fetch.estimator.lc) >= r.principals.N() {
			r.fetch = fetcher{}
		}
		return
	}

	r.log.Info().Uint64("estimate", uint64(est)).Msg("state transfer: estimate reached")
	r.fetch.estimating = false
	r.fetch.target = est
	r.fetch.targetDigest = types.Digest{}
	r.sendFetch()
}

// sendFetch asks the current peer for the snapshot and batches we lack
func (r *Replica) sendFetch() {
	r.fetch.lastAttempt = time.Now()
	f := &types.Fetch{
		Sender:       r.id,
		From:         r.lastExec + 1,
		To:           0, // everything the peer has
		TargetDigest: r.fetch.targetDigest,
	}

	// After half the retry budget, widen to all peers.
	if r.fetch.retries > r.cfg.MaxFetchRetries/2 {
		r.broadcast(f)
		return
	}
	r.send(r.fetchPeer(), f)
}

// fetchPeer rotates through peers as retries accumulate
func (r *Replica) fetchPeer() types.ReplicaID {
	n := r.principals.N()
	peer := (int(r.id) + 1 + r.fetch.retries) % n
	if types.ReplicaID(peer) == r.id {
		peer = (peer + 1) % n
	}
	return types.ReplicaID(peer)
}

// retryFetch rotates to another peer, or surfaces a recovery-required
// signal once the budget is exhausted
func (r *Replica) retryFetch() {
	r.fetch.retries++
	if r.fetch.retries > r.cfg.MaxFetchRetries {
		r.log.Error().Msg("state transfer retries exhausted")
		r.diagnose(Diagnostic{Severity: SeverityRecovery, Message: "state transfer failed", Err: ErrRecoveryRequired})
		r.fetch = fetcher{}
		return
	}
	r.sendFetch()
}

// fetchTick retries a stalled transfer
func (r *Replica) fetchTick(now time.Time) {
	if !r.fetch.active {
		return
	}
	if now.Sub(r.fetch.lastAttempt) < 2*r.cfg.RetransmitInterval {
		return
	}
	if r.fetch.estimating {
		r.fetch.lastAttempt = now
		r.broadcast(&types.QueryStable{Sender: r.id, Nonce: r.fetch.nonce})
		return
	}
	r.retryFetch()
}

// onFetch serves a peer's catch-up request from the retained snapshot
// and the committed window
func (r *Replica) onFetch(f *types.Fetch) {
	if f.Sender == r.id {
		return
	}
	if err := r.auth.Verify(f); err != nil {
		r.log.Debug().Err(err).Msg("dropping fetch")
		return
	}

	reply := &types.FetchReply{Sender: r.id}

	if r.snapshot != nil && f.From <= r.snapshot.seqno {
		reply.SnapshotSeqno = r.snapshot.seqno
		reply.SnapshotDigest = r.snapshot.digest
		reply.SnapshotChunks = r.snapshot.chunks
		reply.StableProof = r.snapshot.proof
	}

	from := f.From
	if from <= r.lastStable {
		from = r.lastStable + 1
	}
	to := f.To
	if to == 0 || to > r.lastExec {
		to = r.lastExec
	}
	for s := from; s <= to && len(reply.Batches) < maxBatchesPerFetchReply; s++ {
		if !r.slots.WithinRange(s) {
			continue
		}
		sl := r.slots.Fetch(s)
		if sl.executed && sl.pp != nil {
			reply.Batches = append(reply.Batches, *sl.pp)
		}
	}

	if reply.SnapshotSeqno == 0 && len(reply.Batches) == 0 {
		return
	}
	r.send(f.Sender, reply)
}

// onFetchReply applies a peer's snapshot and batches. Unverifiable
// content is dropped and the fetch retried against a different peer.
func (r *Replica) onFetchReply(fr *types.FetchReply) {
	if !r.fetch.active || r.fetch.estimating {
		return
	}
	if err := r.auth.Verify(fr); err != nil {
		r.log.Debug().Err(err).Msg("dropping fetch reply")
		return
	}

	if fr.SnapshotSeqno > r.lastExec && len(fr.SnapshotChunks) > 0 {
		if !r.verifyStableProof(fr.SnapshotSeqno, fr.SnapshotDigest, fr.StableProof) {
			r.log.Warn().Uint32("peer", uint32(fr.Sender)).Msg("fetch reply carries unverifiable snapshot")
			r.retryFetch()
			return
		}
		if !r.fetch.targetDigest.IsZero() && fr.SnapshotSeqno >= r.fetch.target && !fr.SnapshotDigest.Equal(r.fetch.targetDigest) {
			r.log.Warn().Uint32("peer", uint32(fr.Sender)).Msg("fetch reply snapshot digest does not match target")
			r.retryFetch()
			return
		}
		if err := r.kernel.InstallSnapshot(fr.SnapshotChunks); err != nil {
			r.log.Warn().Err(err).Msg("snapshot install failed")
			r.retryFetch()
			return
		}
		if got := r.kernel.StateDigest(); !got.Equal(fr.SnapshotDigest) {
			r.log.Warn().Msg("installed snapshot digest mismatch")
			r.retryFetch()
			return
		}
		r.installStable(fr.SnapshotSeqno, fr.SnapshotDigest, fr.SnapshotChunks, fr.StableProof)
	}

	// Re-execute committed batches above the snapshot, in order.
	batches := make([]types.PrePrepare, len(fr.Batches))
	copy(batches, fr.Batches)
	sort.Slice(batches, func(i, j int) bool { return batches[i].Seqno < batches[j].Seqno })

	progressed := false
	for i := range batches {
		pp := &batches[i]
		if pp.Seqno != r.lastExec+1 {
			continue
		}
		if want := types.ComputeBatchDigest(pp.Requests, pp.NonDet); !pp.BatchDigest.Equal(want) {
			r.log.Warn().Uint64("seqno", uint64(pp.Seqno)).Msg("fetched batch digest mismatch")
			r.retryFetch()
			return
		}
		if !r.applyFetchedBatch(pp) {
			return
		}
		progressed = true
	}

	if r.lastExec >= r.fetch.target {
		r.log.Info().Uint64("last_exec", uint64(r.lastExec)).Msg("state transfer complete")
		r.fetch = fetcher{}
		r.executeCommitted()
		return
	}
	if progressed {
		// Keep pulling the remainder; progress resets the budget.
		r.fetch.retries = 0
		r.sendFetch()
		return
	}
	r.retryFetch()
}

// verifyStableProof checks 2f+1 signed checkpoints from distinct
// replicas attesting (seqno, digest)
func (r *Replica) verifyStableProof(seqno types.Seqno, digest types.Digest, proof []types.Checkpoint) bool {
	seen := make(map[types.ReplicaID]bool)
	for i := range proof {
		ck := &proof[i]
		if ck.Seqno != seqno || !ck.StateDigest.Equal(digest) {
			return false
		}
		if seen[ck.Sender] {
			return false
		}
		if err := r.auth.Verify(ck); err != nil {
			return false
		}
		seen[ck.Sender] = true
	}
	return len(seen) >= r.principals.QuorumSize()
}

// installStable adopts a fetched stable checkpoint atomically: the
// execution cursor jumps, the window re-anchors, and in-flight ordering
// state below it is discarded.
func (r *Replica) installStable(s types.Seqno, digest types.Digest, chunks [][]byte, proof []types.Checkpoint) {
	r.log.Info().Uint64("seqno", uint64(s)).Msg("installing fetched stable checkpoint")

	r.lastExec = s
	r.lastCommitted = s
	r.lastPrepared = s
	r.lastStable = s
	r.stableProof = proof
	r.snapshot = &snapshotState{seqno: s, digest: digest, chunks: chunks, proof: proof}
	r.slots.Clear(s + 1)
	if r.nextSeqno <= s {
		r.nextSeqno = s + 1
	}
	for old := range r.checkpoints {
		if old <= s {
			delete(r.checkpoints, old)
		}
	}
	r.auth.ReleaseGuardBelow(s + 1)
	r.pool.ReleaseBelow(s + 1)
}

// applyFetchedBatch re-executes one fetched committed batch
func (r *Replica) applyFetchedBatch(pp *types.PrePrepare) bool {
	next := pp.Seqno

	var sl *slot
	if r.slots.WithinRange(next) {
		sl = r.slots.Fetch(next)
		sl.pp = pp
		sl.ppDigest = pp.BatchDigest
		sl.prepared = true
		sl.preparedView = pp.View
		sl.committed = true
	} else {
		sl = &slot{
			seqno:    next,
			pp:       pp,
			ppDigest: pp.BatchDigest,
			prepares: NewCertificate[prepareVote](r.principals.QuorumSize()),
			commits:  NewCertificate[commitVote](r.principals.QuorumSize()),
		}
	}

	if !r.executeBatch(sl) {
		return false
	}
	sl.executed = true
	r.lastExec = next
	if r.lastCommitted < next {
		r.lastCommitted = next
	}
	if r.lastPrepared < next {
		r.lastPrepared = next
	}
	r.maybeCheckpoint(next)
	return true
}
