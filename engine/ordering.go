package engine

import (
	"time"

	"github.com/blockberries/byzberry/types"
)

// onRequest handles a client request arriving at this replica
func (r *Replica) onRequest(req *types.Request) {
	if err := r.auth.Verify(req); err != nil {
		r.log.Debug().Err(err).Uint64("client", uint64(req.Client)).Msg("dropping request")
		return
	}

	if req.ReadOnly {
		r.executeReadOnly(req)
		return
	}

	key := req.Key()

	// Exactly-once per (client, request): an already-answered request
	// gets its cached reply back, nothing re-executes.
	if entry, ok := r.replyCache[req.Client]; ok {
		if entry.requestID == req.RequestID {
			r.replyToClient(req.Client, entry.encoded)
			return
		}
		if entry.requestID > req.RequestID {
			return
		}
	}

	if _, ok := r.pending[key]; ok {
		// Client retransmission of an in-flight request. A backup takes
		// this as evidence the primary may be stalling.
		if !r.isPrimary() {
			r.vcTimer.Arm()
		}
		return
	}

	// Backpressure: when the window is stalled the queue is bounded and
	// new requests are shed. Protocol traffic is never shed.
	if len(r.pending) >= r.cfg.MaxPending {
		r.log.Warn().Err(ErrQueueFull).Uint64("client", uint64(req.Client)).Msg("shedding request")
		return
	}

	r.pending[key] = req
	if r.isPrimary() && r.activeView {
		r.queue = append(r.queue, req)
		r.maybeSendPrePrepare()
	} else {
		// An unordered request is pending: watch the primary.
		r.vcTimer.Arm()
	}
}

// executeReadOnly answers a read-only request speculatively against
// current state. The client accepts on f+1 matching replies.
func (r *Replica) executeReadOnly(req *types.Request) {
	result, err := r.kernel.ExecuteReadOnly(req.Payload)
	if err != nil {
		r.log.Debug().Err(err).Msg("read-only execution failed")
		return
	}
	reply := &types.Reply{
		Sender:      r.id,
		View:        r.view,
		Client:      req.Client,
		RequestID:   req.RequestID,
		StateDigest: r.kernel.StateDigest(),
		Result:      result,
	}
	data, ok := r.seal(reply)
	if !ok {
		return
	}
	r.replyToClient(req.Client, data)
}

// replyToClient sends encoded reply bytes to a client
func (r *Replica) replyToClient(client types.ClientID, data []byte) {
	if err := r.transport.Reply(client, data); err != nil {
		r.log.Debug().Err(err).Uint64("client", uint64(client)).Msg("reply failed")
	}
}

// maybeSendPrePrepare drains the request queue into pre-prepares while
// the primary has window headroom
func (r *Replica) maybeSendPrePrepare() {
	if !r.isPrimary() || !r.activeView {
		return
	}

	for len(r.queue) > 0 {
		if r.nextSeqno <= r.lastStable {
			r.nextSeqno = r.lastStable + 1
		}
		s := r.nextSeqno
		if !r.inWindow(s) {
			// Window exhausted; resumes when a checkpoint stabilizes.
			return
		}

		batch := r.takeBatch()
		if len(batch) == 0 {
			return
		}

		nd, err := r.kernel.NonDetChoice(s)
		if err != nil {
			r.halt("kernel non-determinism choice failed", err)
			return
		}
		if len(nd) > r.cfg.MaxNdLen {
			nd = nd[:r.cfg.MaxNdLen]
		}

		pp := &types.PrePrepare{
			Sender:      r.id,
			View:        r.view,
			Seqno:       s,
			BatchDigest: types.ComputeBatchDigest(batch, nd),
			Requests:    batch,
			NonDet:      nd,
		}

		sl := r.slots.Fetch(s)
		sl.pp = pp
		sl.ppDigest = pp.BatchDigest
		sl.sentAt = time.Now()
		r.nextSeqno = s + 1

		r.log.Debug().Uint64("view", uint64(r.view)).Uint64("seqno", uint64(s)).
			Int("reqs", len(batch)).Msg("sending pre-prepare")
		r.broadcast(pp)

		// The primary's pre-prepare stands in for its prepare.
		own := &types.Prepare{Sender: r.id, View: r.view, Seqno: s, BatchDigest: pp.BatchDigest}
		if _, err := sl.prepares.Add(prepareVote{own}, true); err != nil {
			r.log.Error().Err(err).Msg("failed to record own prepare")
			return
		}
		sl.prepareSent = true
		r.checkPrepared(sl)
	}
}

// takeBatch removes the next batch from the queue, bounded by count and
// bytes. Requests answered while queued are skipped.
func (r *Replica) takeBatch() []types.Request {
	var batch []types.Request
	bytes := 0
	for len(r.queue) > 0 && len(batch) < r.cfg.MaxReqsPerBatch {
		req := r.queue[0]
		if _, stillPending := r.pending[req.Key()]; !stillPending {
			r.queue = r.queue[1:]
			continue
		}
		if len(batch) > 0 && bytes+len(req.Payload) > r.cfg.MaxBatchBytes {
			break
		}
		batch = append(batch, *req)
		bytes += len(req.Payload)
		r.queue = r.queue[1:]
	}
	return batch
}

// onPrePrepare handles a primary's ordering proposal
func (r *Replica) onPrePrepare(pp *types.PrePrepare, raw []byte) {
	if pp.Sender == r.id {
		return
	}
	if !r.activeView {
		return
	}
	if pp.View != r.view {
		return
	}
	if pp.Sender != r.principals.Primary(r.view) {
		r.log.Debug().Uint32("sender", uint32(pp.Sender)).Msg("pre-prepare from non-primary")
		return
	}
	if !r.inWindow(pp.Seqno) {
		// Prompt the sender to reconcile; it may be far ahead of us.
		if pp.Seqno >= r.lastStable+types.Seqno(r.cfg.MaxOut) {
			r.send(pp.Sender, r.buildStatus())
		}
		return
	}

	// The batch digest must be recomputable from the contents.
	if want := types.ComputeBatchDigest(pp.Requests, pp.NonDet); !pp.BatchDigest.Equal(want) {
		r.log.Debug().Uint64("seqno", uint64(pp.Seqno)).Msg("pre-prepare digest mismatch")
		return
	}

	sl := r.slots.Fetch(pp.Seqno)
	if sl.pp != nil && sl.ppDigest.Equal(pp.BatchDigest) {
		if sl.prepareSent {
			// Retransmitted pre-prepare: echo our prepare again.
			if mine, ok := sl.prepares.Mine(); ok {
				r.broadcast(mine.msg)
			}
		}
		return
	}

	// Every request in the batch must carry a valid client signature.
	for i := range pp.Requests {
		if err := r.auth.Verify(&pp.Requests[i]); err != nil {
			r.log.Debug().Err(err).Uint64("seqno", uint64(pp.Seqno)).Msg("pre-prepare carries bad request")
			return
		}
	}

	if err := r.auth.Verify(pp); err != nil {
		// A weak quorum of strictly-verified prepares for the same
		// digest vouches for the pre-prepare: at least one correct
		// replica saw it whole.
		matching := sl.prepares.Count(voteKey(pp.View, pp.BatchDigest))
		if matching < r.principals.WeakQuorum() || r.auth.VerifyWeaker(pp) != nil {
			r.log.Debug().Err(err).Uint64("seqno", uint64(pp.Seqno)).Msg("dropping unverifiable pre-prepare")
			return
		}
	}

	// Only authenticated pre-prepares count as equivocation sightings.
	if ev := r.pool.Observe(pp.Sender, types.KindPrePrepare, pp.View, pp.Seqno, pp.BatchDigest, raw); ev != nil {
		r.diagnose(Diagnostic{Severity: SeverityMisbehavior, Message: "primary equivocated on pre-prepare", Proof: ev})
		return
	}
	if sl.pp != nil {
		// Authenticated conflict for an occupied slot; recorded above
		// on its first occurrence.
		return
	}

	r.acceptPrePrepare(sl, pp)
}

// acceptPrePrepare stores a pre-prepare and emits this replica's
// prepare
func (r *Replica) acceptPrePrepare(sl *slot, pp *types.PrePrepare) {
	sl.pp = pp
	sl.ppDigest = pp.BatchDigest

	// Adopt the batch's requests so execution can answer their clients.
	for i := range pp.Requests {
		req := pp.Requests[i]
		key := req.Key()
		if entry, ok := r.replyCache[req.Client]; ok && entry.requestID >= req.RequestID {
			continue
		}
		if _, ok := r.pending[key]; !ok {
			r.pending[key] = &req
		}
	}

	// Ordering is in flight: watch for progress.
	r.vcTimer.Arm()

	// The primary's pre-prepare stands in for its prepare vote.
	primary := &types.Prepare{Sender: pp.Sender, View: pp.View, Seqno: pp.Seqno, BatchDigest: pp.BatchDigest}
	if _, err := sl.prepares.Add(prepareVote{primary}, false); err != nil {
		r.log.Debug().Err(err).Msg("primary prepare vote not recorded")
	}

	if !sl.prepareSent {
		p := &types.Prepare{Sender: r.id, View: pp.View, Seqno: pp.Seqno, BatchDigest: pp.BatchDigest}
		if _, err := sl.prepares.Add(prepareVote{p}, true); err != nil {
			r.log.Error().Err(err).Msg("failed to record own prepare")
			return
		}
		sl.prepareSent = true
		r.broadcast(p)
	}
	r.checkPrepared(sl)
}

// onPrepare handles a backup's prepare vote
func (r *Replica) onPrepare(p *types.Prepare, raw []byte) {
	if p.Sender == r.id {
		return
	}
	if !r.activeView || p.View != r.view {
		return
	}
	if !r.inWindow(p.Seqno) {
		return
	}
	if p.Sender == r.principals.Primary(p.View) {
		// The primary's pre-prepare is its prepare; an explicit one is
		// misbehavior noise.
		return
	}
	if err := r.auth.Verify(p); err != nil {
		r.log.Debug().Err(err).Msg("dropping prepare")
		return
	}

	if ev := r.pool.Observe(p.Sender, types.KindPrepare, p.View, p.Seqno, p.BatchDigest, raw); ev != nil {
		r.diagnose(Diagnostic{Severity: SeverityMisbehavior, Message: "replica equivocated on prepare", Proof: ev})
		return
	}

	sl := r.slots.Fetch(p.Seqno)
	if _, err := sl.prepares.Add(prepareVote{p}, false); err != nil {
		return
	}
	r.checkPrepared(sl)
}

// checkPrepared fires the prepared transition at most once per slot
func (r *Replica) checkPrepared(sl *slot) {
	if sl.prepared || sl.pp == nil {
		return
	}
	want := voteKey(sl.pp.View, sl.ppDigest)
	if !sl.prepares.IsComplete() || sl.prepares.ValueKey() != want {
		return
	}
	if !sl.prepares.Fire() {
		return
	}

	sl.prepared = true
	sl.preparedView = sl.pp.View
	if sl.seqno > r.lastPrepared {
		r.lastPrepared = sl.seqno
	}
	r.log.Debug().Uint64("view", uint64(sl.preparedView)).Uint64("seqno", uint64(sl.seqno)).Msg("prepared")

	c := &types.Commit{Sender: r.id, View: sl.preparedView, Seqno: sl.seqno, BatchDigest: sl.ppDigest}
	if _, err := sl.commits.Add(commitVote{c}, true); err != nil {
		r.log.Error().Err(err).Msg("failed to record own commit")
		return
	}
	sl.commitSent = true
	r.broadcast(c)
	r.checkCommitted(sl)
}

// onCommit handles a commit vote. Commits may arrive before the slot is
// prepared; they are stored and the predicate re-evaluated on every
// vote.
func (r *Replica) onCommit(c *types.Commit, raw []byte) {
	if c.Sender == r.id {
		return
	}
	if !r.activeView || c.View != r.view {
		return
	}
	if !r.inWindow(c.Seqno) {
		return
	}
	if err := r.auth.Verify(c); err != nil {
		r.log.Debug().Err(err).Msg("dropping commit")
		return
	}

	if ev := r.pool.Observe(c.Sender, types.KindCommit, c.View, c.Seqno, c.BatchDigest, raw); ev != nil {
		r.diagnose(Diagnostic{Severity: SeverityMisbehavior, Message: "replica equivocated on commit", Proof: ev})
		return
	}

	sl := r.slots.Fetch(c.Seqno)
	if _, err := sl.commits.Add(commitVote{c}, false); err != nil {
		return
	}
	r.checkCommitted(sl)
}

// checkCommitted fires the committed transition at most once per slot
func (r *Replica) checkCommitted(sl *slot) {
	if sl.committed || !sl.prepared {
		return
	}
	want := voteKey(sl.preparedView, sl.ppDigest)
	if !sl.commits.IsComplete() || sl.commits.ValueKey() != want {
		return
	}
	if !sl.commits.Fire() {
		return
	}

	sl.committed = true
	if sl.seqno > r.lastCommitted {
		r.lastCommitted = sl.seqno
	}
	r.log.Debug().Uint64("seqno", uint64(sl.seqno)).Msg("committed")
	r.executeCommitted()
}

// executeCommitted advances the execution cursor through contiguous
// committed slots, strictly in seqno order with no gaps
func (r *Replica) executeCommitted() {
	for {
		next := r.lastExec + 1
		if !r.slots.WithinRange(next) {
			break
		}
		sl := r.slots.Fetch(next)
		if !sl.committed || sl.executed {
			break
		}

		// A re-issued pre-prepare whose contents this replica never saw
		// commits by digest alone; the contents come via state transfer.
		if want := types.ComputeBatchDigest(sl.pp.Requests, sl.pp.NonDet); !sl.ppDigest.Equal(want) {
			r.startStateTransfer(next, types.Digest{})
			break
		}

		if !r.executeBatch(sl) {
			return
		}
		sl.executed = true
		r.lastExec = next

		// Progress: relax the view-change watchdog.
		r.vcTimer.Restore()
		if len(r.pending) == 0 {
			r.vcTimer.Stop()
		} else {
			r.vcTimer.Reset()
		}

		r.maybeCheckpoint(next)
	}
	r.maybeSendPrePrepare()
}

// executeBatch runs one committed batch through the kernel, answers the
// clients, and appends the batch to the ledger. Returns false if the
// replica halted.
func (r *Replica) executeBatch(sl *slot) bool {
	pp := sl.pp
	for i := range pp.Requests {
		req := &pp.Requests[i]
		key := req.Key()

		if entry, ok := r.replyCache[req.Client]; ok && entry.requestID >= req.RequestID {
			// Already executed in this session: replay the cached reply
			// without reinvoking the kernel.
			if entry.requestID == req.RequestID {
				r.replyToClient(req.Client, entry.encoded)
			}
			delete(r.pending, key)
			continue
		}

		result, err := r.kernel.Execute(sl.seqno, req.Payload)
		if err != nil {
			r.halt("application kernel failed during execution", err)
			return false
		}

		reply := &types.Reply{
			Sender:    r.id,
			View:      r.view,
			Client:    req.Client,
			RequestID: req.RequestID,
			Result:    result,
		}
		data, ok := r.seal(reply)
		if !ok {
			return !r.halted
		}
		r.replyCache[req.Client] = &replyCacheEntry{requestID: req.RequestID, encoded: data}
		r.replyToClient(req.Client, data)
		delete(r.pending, key)
	}

	entry, err := types.EncodeMessage(pp)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to serialize batch for ledger")
		return true
	}
	if err := r.sink.Append(entry); err != nil {
		r.log.Error().Err(err).Uint64("seqno", uint64(sl.seqno)).Msg("ledger append failed")
		r.diagnose(Diagnostic{Severity: SeverityRecovery, Message: "ledger append failed", Err: err})
	}
	return true
}

// onRetransmitTick re-sends stalled artifacts: the primary's
// pre-prepares awaiting prepares, this replica's commits awaiting a
// commit quorum, and any outstanding state-transfer fetch.
func (r *Replica) onRetransmitTick() {
	now := time.Now()

	for s := r.lastStable + 1; r.slots.WithinRange(s); s++ {
		sl := r.slots.Fetch(s)
		if sl.pp == nil || sl.executed {
			continue
		}
		if now.Sub(sl.sentAt) < r.cfg.RetransmitInterval {
			continue
		}

		if r.isPrimary() && r.activeView && !sl.prepared && sl.pp.Sender == r.id {
			sl.sentAt = now
			r.broadcast(sl.pp)
			continue
		}
		if sl.prepared && !sl.committed && sl.commitSent {
			if mine, ok := sl.commits.Mine(); ok {
				sl.sentAt = now
				r.broadcast(mine.msg)
			}
		}
	}

	r.fetchTick(now)
}
