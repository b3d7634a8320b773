package engine

import (
	"github.com/blockberries/byzberry/types"
)

// maxStatusRetransmits caps the slots re-sent in response to one
// status message
const maxStatusRetransmits = 32

// buildStatus summarizes this replica's progress
func (r *Replica) buildStatus() *types.Status {
	st := &types.Status{
		Sender:        r.id,
		View:          r.view,
		LastExec:      r.lastExec,
		LastCommitted: r.lastCommitted,
		LastStable:    r.lastStable,
	}
	// Slots with commit traffic but no pre-prepare are holes a peer can
	// fill.
	for s := r.lastExec + 1; r.slots.WithinRange(s); s++ {
		sl := r.slots.Fetch(s)
		if sl.pp == nil && (sl.prepares.Size() > 0 || sl.commits.Size() > 0) {
			st.Missing = append(st.Missing, s)
		}
	}
	return st
}

// sendStatus broadcasts the periodic anti-entropy summary
func (r *Replica) sendStatus() {
	r.broadcast(r.buildStatus())
}

// onStatus reconciles against a peer's progress summary
func (r *Replica) onStatus(st *types.Status) {
	if st.Sender == r.id {
		return
	}
	if err := r.auth.Verify(st); err != nil {
		r.log.Debug().Err(err).Msg("dropping status")
		return
	}

	// The peer's stable mark outruns ours by at least one interval and
	// our execution cannot reach it: state transfer.
	if st.LastStable >= r.lastStable+types.Seqno(r.cfg.CheckpointInterval) && r.lastExec < st.LastStable {
		r.startStateTransfer(0, types.Digest{})
	}

	// The peer missed the view installation we hold.
	if st.View < r.view && r.activeView {
		if nv, ok := r.newViews[r.view]; ok {
			data, err := types.EncodeMessage(nv)
			if err == nil {
				if err := r.transport.Send(st.Sender, data); err != nil {
					r.log.Debug().Err(err).Msg("new-view retransmit failed")
				}
			}
		}
	}

	if st.View != r.view {
		return
	}

	// Fill the peer's explicit holes first, then its committed lag.
	sent := 0
	for _, s := range st.Missing {
		if sent >= maxStatusRetransmits {
			return
		}
		if r.retransmitSlot(st.Sender, s) {
			sent++
		}
	}
	for s := st.LastExec + 1; s <= r.lastCommitted && sent < maxStatusRetransmits; s++ {
		if r.retransmitSlot(st.Sender, s) {
			sent++
		}
	}
}

// retransmitSlot re-sends the pre-prepare and this replica's commit for
// a slot the peer lacks
func (r *Replica) retransmitSlot(to types.ReplicaID, s types.Seqno) bool {
	if !r.slots.WithinRange(s) {
		return false
	}
	sl := r.slots.Fetch(s)
	if sl.pp == nil {
		return false
	}

	data, err := types.EncodeMessage(sl.pp)
	if err != nil {
		return false
	}
	if err := r.transport.Send(to, data); err != nil {
		r.log.Debug().Err(err).Msg("pre-prepare retransmit failed")
		return false
	}
	if sl.commitSent {
		if mine, ok := sl.commits.Mine(); ok {
			r.send(to, mine.msg)
		}
	}
	return true
}
