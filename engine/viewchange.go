package engine

import (
	"sort"

	"github.com/blockberries/byzberry/types"
)

// nullBatchDigest is the digest of the empty batch used for gap-filling
// null pre-prepares
func nullBatchDigest() types.Digest {
	return types.ComputeBatchDigest(nil, nil)
}

// onViewChangeTimeout reacts to the "no progress" watchdog firing
func (r *Replica) onViewChangeTimeout() {
	if r.activeView {
		r.log.Warn().Uint64("view", uint64(r.view)).Msg("no progress; starting view change")
		r.startViewChange(r.view + 1)
		return
	}
	// The previous view change did not complete in time.
	r.vcTimer.Backoff()
	r.log.Warn().Uint64("view", uint64(r.view)).Msg("view change stalled; escalating")
	r.startViewChange(r.view + 1)
}

// startViewChange abandons the current view and solicits v
func (r *Replica) startViewChange(v types.View) {
	if v <= r.view && !r.activeView {
		return
	}
	if v < r.view {
		return
	}

	r.view = v
	r.activeView = false
	r.vcTimer.Stop()

	vc := r.buildViewChange(v)
	r.storeViewChange(vc)
	r.broadcast(vc)
	r.log.Info().Uint64("new_view", uint64(v)).Int("prepared", len(vc.Prepared)).Msg("sent view-change")

	// If this view change fails too, the (doubled) timer escalates.
	r.vcTimer.Reset()

	r.maybeSendNewView(v)
}

// buildViewChange assembles this replica's evidence for the new view:
// the stable proof plus every slot prepared above it
func (r *Replica) buildViewChange(v types.View) *types.ViewChange {
	vc := &types.ViewChange{
		Sender:      r.id,
		NewView:     v,
		LastStable:  r.lastStable,
		StableProof: r.stableProof,
	}
	for s := r.lastStable + 1; r.slots.WithinRange(s); s++ {
		sl := r.slots.Fetch(s)
		if !sl.prepared {
			continue
		}
		key := voteKey(sl.preparedView, sl.ppDigest)
		vc.Prepared = append(vc.Prepared, types.PreparedProof{
			Seqno:       s,
			View:        sl.preparedView,
			BatchDigest: sl.ppDigest,
			Senders:     sl.prepares.Senders(key),
		})
	}
	return vc
}

// storeViewChange records a view-change, coalescing duplicates
func (r *Replica) storeViewChange(vc *types.ViewChange) bool {
	byView, ok := r.viewChanges[vc.NewView]
	if !ok {
		byView = make(map[types.ReplicaID]*types.ViewChange)
		r.viewChanges[vc.NewView] = byView
	}
	if _, dup := byView[vc.Sender]; dup {
		return false
	}
	byView[vc.Sender] = vc
	return true
}

// onViewChange handles a peer's view-change message
func (r *Replica) onViewChange(vc *types.ViewChange) {
	if vc.Sender == r.id {
		return
	}
	if vc.NewView < r.view {
		return
	}
	if err := r.auth.Verify(vc); err != nil {
		r.log.Debug().Err(err).Msg("dropping view-change")
		return
	}
	if !r.validateViewChange(vc) {
		r.log.Debug().Uint32("sender", uint32(vc.Sender)).Msg("dropping malformed view-change")
		return
	}

	if !r.storeViewChange(vc) {
		// Coalesced: already have this sender's view-change for v.
		return
	}

	// Weak quorum rule: f+1 replicas demanding views above ours means
	// at least one correct replica timed out; join the lowest such view.
	if r.activeView {
		if v, ok := r.weakQuorumView(); ok {
			r.log.Info().Uint64("view", uint64(v)).Msg("joining view change on weak quorum")
			r.startViewChange(v)
			return
		}
	}

	r.maybeSendNewView(vc.NewView)
}

// weakQuorumView returns the lowest view above the current one that
// f+1 distinct replicas have demanded
func (r *Replica) weakQuorumView() (types.View, bool) {
	demanded := make(map[types.ReplicaID]types.View)
	for v, byView := range r.viewChanges {
		if v <= r.view {
			continue
		}
		for sender := range byView {
			if cur, ok := demanded[sender]; !ok || v < cur {
				demanded[sender] = v
			}
		}
	}
	if len(demanded) < r.principals.WeakQuorum() {
		return 0, false
	}
	views := make([]types.View, 0, len(demanded))
	for _, v := range demanded {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views[0], true
}

// validateViewChange checks structure: a verifiable stable proof and
// sane prepared entries
func (r *Replica) validateViewChange(vc *types.ViewChange) bool {
	if vc.LastStable > 0 {
		if len(vc.StableProof) == 0 {
			return false
		}
		if !r.verifyStableProof(vc.LastStable, vc.StableProof[0].StateDigest, vc.StableProof) {
			return false
		}
	}
	for i := range vc.Prepared {
		p := &vc.Prepared[i]
		if p.Seqno <= vc.LastStable || p.Seqno >= vc.LastStable+types.Seqno(r.cfg.MaxOut) {
			return false
		}
		if p.View >= vc.NewView {
			return false
		}
		seen := make(map[types.ReplicaID]bool)
		for _, s := range p.Senders {
			if seen[s] || !r.principals.Contains(s) {
				return false
			}
			seen[s] = true
		}
		if len(seen) < r.principals.QuorumSize() {
			return false
		}
	}
	return true
}

// reissue describes what the new primary must propose at one seqno
type reissue struct {
	digest    types.Digest
	proofView types.View
	null      bool
}

// computeReissues applies the safe re-proposal rule to a view-change
// set: for each slot above the highest stable mark, re-issue the
// prepared digest from the highest view a proof exists for; fill gaps
// below the highest prepared slot with null pre-prepares.
func computeReissues(vcs []*types.ViewChange, maxOut types.Seqno) (map[types.Seqno]reissue, types.Seqno) {
	var maxStable types.Seqno
	for _, vc := range vcs {
		if vc.LastStable > maxStable {
			maxStable = vc.LastStable
		}
	}

	chosen := make(map[types.Seqno]reissue)
	var maxPrepared types.Seqno
	for _, vc := range vcs {
		for i := range vc.Prepared {
			p := &vc.Prepared[i]
			if p.Seqno <= maxStable || p.Seqno >= maxStable+maxOut {
				continue
			}
			cur, ok := chosen[p.Seqno]
			if !ok || p.View > cur.proofView {
				chosen[p.Seqno] = reissue{digest: p.BatchDigest, proofView: p.View}
			}
			if p.Seqno > maxPrepared {
				maxPrepared = p.Seqno
			}
		}
	}

	// Null pre-prepares fill the unprepared gaps up to the highest
	// prepared slot, so execution has no holes.
	for s := maxStable + 1; s <= maxPrepared; s++ {
		if _, ok := chosen[s]; !ok {
			chosen[s] = reissue{digest: nullBatchDigest(), null: true}
		}
	}
	return chosen, maxStable
}

// maybeSendNewView builds and broadcasts a NewView once this replica,
// as primary of v, holds a strong quorum of view-changes
func (r *Replica) maybeSendNewView(v types.View) {
	if r.principals.Primary(v) != r.id {
		return
	}
	if r.view != v || r.activeView {
		return
	}
	if _, sent := r.newViews[v]; sent {
		return
	}
	byView := r.viewChanges[v]
	if len(byView) < r.principals.QuorumSize() {
		return
	}

	// Deterministically pick 2f+1 view-changes by sender id.
	senders := make([]types.ReplicaID, 0, len(byView))
	for s := range byView {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })
	senders = senders[:r.principals.QuorumSize()]

	vcs := make([]types.ViewChange, len(senders))
	vcPtrs := make([]*types.ViewChange, len(senders))
	for i, s := range senders {
		vcs[i] = *byView[s]
		vcPtrs[i] = byView[s]
	}

	chosen, maxStable := computeReissues(vcPtrs, types.Seqno(r.cfg.MaxOut))

	nv := &types.NewView{
		Sender:      r.id,
		View:        v,
		ViewChanges: vcs,
	}
	seqnos := make([]types.Seqno, 0, len(chosen))
	for s := range chosen {
		seqnos = append(seqnos, s)
	}
	sort.Slice(seqnos, func(i, j int) bool { return seqnos[i] < seqnos[j] })
	for _, s := range seqnos {
		re := chosen[s]
		pp := types.PrePrepare{
			Sender:      r.id,
			View:        v,
			Seqno:       s,
			BatchDigest: re.digest,
		}
		if !re.null {
			// Attach the batch contents when this replica holds them.
			if r.slots.WithinRange(s) {
				if sl := r.slots.Fetch(s); sl.pp != nil && sl.ppDigest.Equal(re.digest) {
					pp.Requests = sl.pp.Requests
					pp.NonDet = sl.pp.NonDet
				}
			}
		}
		nv.PrePrepares = append(nv.PrePrepares, pp)
	}

	r.newViews[v] = nv
	r.log.Info().Uint64("view", uint64(v)).Int("reissued", len(nv.PrePrepares)).Msg("sending new-view")
	r.broadcast(nv)
	r.installView(nv, maxStable)
}

// onNewView handles the new primary's view installation message
func (r *Replica) onNewView(nv *types.NewView) {
	if nv.Sender == r.id {
		return
	}
	if nv.View < r.view || (nv.View == r.view && r.activeView) {
		return
	}
	if nv.Sender != r.principals.Primary(nv.View) {
		return
	}
	if err := r.auth.Verify(nv); err != nil {
		r.log.Debug().Err(err).Msg("dropping new-view")
		return
	}

	maxStable, ok := r.validateNewView(nv)
	if !ok {
		r.log.Warn().Uint32("sender", uint32(nv.Sender)).Msg("rejecting invalid new-view")
		r.diagnose(Diagnostic{Severity: SeverityMisbehavior, Message: "invalid new-view from claimed primary"})
		return
	}

	r.newViews[nv.View] = nv
	r.installView(nv, maxStable)
}

// validateNewView checks the view-change proof and that the re-issued
// pre-prepares follow the safe re-proposal rule
func (r *Replica) validateNewView(nv *types.NewView) (types.Seqno, bool) {
	seen := make(map[types.ReplicaID]bool)
	vcPtrs := make([]*types.ViewChange, 0, len(nv.ViewChanges))
	for i := range nv.ViewChanges {
		vc := &nv.ViewChanges[i]
		if vc.NewView != nv.View || seen[vc.Sender] {
			return 0, false
		}
		if err := r.auth.Verify(vc); err != nil {
			return 0, false
		}
		if !r.validateViewChange(vc) {
			return 0, false
		}
		seen[vc.Sender] = true
		vcPtrs = append(vcPtrs, vc)
	}
	if len(vcPtrs) < r.principals.QuorumSize() {
		return 0, false
	}

	chosen, maxStable := computeReissues(vcPtrs, types.Seqno(r.cfg.MaxOut))
	if len(chosen) != len(nv.PrePrepares) {
		return 0, false
	}
	for i := range nv.PrePrepares {
		pp := &nv.PrePrepares[i]
		re, ok := chosen[pp.Seqno]
		if !ok || pp.View != nv.View || !pp.BatchDigest.Equal(re.digest) {
			return 0, false
		}
	}
	return maxStable, true
}

// installView enters the new view and replays the re-issued
// pre-prepares through the normal ordering path
func (r *Replica) installView(nv *types.NewView, maxStable types.Seqno) {
	r.view = nv.View
	r.activeView = true
	r.vcTimer.Stop()
	r.log.Info().Uint64("view", uint64(r.view)).Msg("installed view")

	// Lagging far behind the quorum's stable mark: recover via state
	// transfer using the digest its stable proof vouches for.
	if maxStable > r.lastStable && r.lastExec < maxStable {
		for i := range nv.ViewChanges {
			vc := &nv.ViewChanges[i]
			if vc.LastStable == maxStable && len(vc.StableProof) > 0 {
				r.startStateTransfer(maxStable, vc.StableProof[0].StateDigest)
				break
			}
		}
	}

	// Batch contents this replica already holds survive the window
	// rebuild: a re-issued digest can be satisfied locally.
	held := make(map[types.Seqno]*types.PrePrepare)
	for s := r.lastStable + 1; r.slots.WithinRange(s); s++ {
		if sl := r.slots.Fetch(s); sl.pp != nil {
			held[s] = sl.pp
		}
	}

	// Rebuild the in-flight window; certificates from the old view are
	// void. Execution state survives via lastExec and the reply cache.
	r.slots.Clear(r.lastStable + 1)
	r.nextSeqno = r.lastStable + 1
	if maxStable > r.lastStable && maxStable >= r.nextSeqno {
		r.nextSeqno = maxStable + 1
	}

	for old := range r.viewChanges {
		if old <= r.view {
			delete(r.viewChanges, old)
		}
	}
	for old := range r.newViews {
		if old < r.view {
			delete(r.newViews, old)
		}
	}

	isPrimary := r.isPrimary()
	reissued := make(map[types.RequestKey]bool)
	for i := range nv.PrePrepares {
		pp := &nv.PrePrepares[i]
		if pp.Seqno <= r.lastStable || !r.slots.WithinRange(pp.Seqno) {
			continue
		}

		// A content-less re-issue is filled from the batch this replica
		// saw in the old view, when the digests agree.
		if len(pp.Requests) == 0 && !pp.BatchDigest.Equal(nullBatchDigest()) {
			if old, ok := held[pp.Seqno]; ok && old.BatchDigest.Equal(pp.BatchDigest) {
				filled := *pp
				filled.Requests = old.Requests
				filled.NonDet = old.NonDet
				pp = &filled
			}
		}

		sl := r.slots.Fetch(pp.Seqno)
		sl.pp = pp
		sl.ppDigest = pp.BatchDigest
		for j := range pp.Requests {
			reissued[pp.Requests[j].Key()] = true
		}

		// The new primary's re-issue stands in for its prepare vote.
		if pp.Sender != r.id {
			primary := &types.Prepare{Sender: pp.Sender, View: r.view, Seqno: pp.Seqno, BatchDigest: pp.BatchDigest}
			if _, err := sl.prepares.Add(prepareVote{primary}, false); err != nil {
				r.log.Debug().Err(err).Msg("primary prepare vote not recorded")
			}
		}

		own := &types.Prepare{Sender: r.id, View: r.view, Seqno: pp.Seqno, BatchDigest: pp.BatchDigest}
		if _, err := sl.prepares.Add(prepareVote{own}, true); err != nil {
			r.log.Error().Err(err).Msg("failed to record own prepare during view install")
			continue
		}
		sl.prepareSent = true
		if !isPrimary {
			r.broadcast(own)
		}
		if pp.Seqno >= r.nextSeqno {
			r.nextSeqno = pp.Seqno + 1
		}
		r.checkPrepared(sl)
	}

	// Requests still outstanding re-enter ordering in the new view;
	// those already carried by a re-issued pre-prepare are not ordered
	// a second time.
	if isPrimary {
		r.queue = r.queue[:0]
		keys := make([]types.RequestKey, 0, len(r.pending))
		for k := range r.pending {
			if reissued[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Client != keys[j].Client {
				return keys[i].Client < keys[j].Client
			}
			return keys[i].RequestID < keys[j].RequestID
		})
		for _, k := range keys {
			r.queue = append(r.queue, r.pending[k])
		}
		r.maybeSendPrePrepare()
	} else if len(r.pending) > 0 {
		r.vcTimer.Arm()
	}
}
