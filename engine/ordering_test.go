package engine

import (
	"testing"

	"github.com/blockberries/byzberry/auth"
	"github.com/blockberries/byzberry/types"
)

// authFor builds an authenticator acting as the given replica
func authFor(c *cluster, id types.ReplicaID) *auth.Authenticator {
	return auth.New(id, c.sets[id], c.signers[id], auth.ModeMacVector)
}

// sealFrom authenticates and encodes a message as if sent by sender
func (c *cluster) sealFrom(sender types.ReplicaID, m types.Message) []byte {
	if err := authFor(c, sender).Authenticate(m); err != nil {
		c.t.Fatal(err)
	}
	data, err := types.EncodeMessage(m)
	if err != nil {
		c.t.Fatal(err)
	}
	return data
}

// makeBatch builds the pre-prepare the primary of view 0 would issue at
// seqno s for one signed request
func (c *cluster) makeBatch(s types.Seqno, payload string) *types.PrePrepare {
	req, _ := c.makeRequest(payload, false)
	nd := []byte{byte(s)}
	return &types.PrePrepare{
		Sender:      0,
		View:        0,
		Seqno:       s,
		BatchDigest: types.ComputeBatchDigest([]types.Request{*req}, nd),
		Requests:    []types.Request{*req},
		NonDet:      nd,
	}
}

func TestPreparedFiresExactlyAtQuorum(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[3]

	pp := c.makeBatch(1, "A")
	r.dispatch(c.sealFrom(0, pp))
	c.discardOutput()

	sl := r.slots.Fetch(1)
	if sl.pp == nil {
		t.Fatal("pre-prepare should be accepted")
	}
	if !sl.prepareSent {
		t.Fatal("replica should have sent its prepare")
	}
	// The primary's pre-prepare plus our own prepare make exactly 2f.
	if sl.prepares.Size() != 2 {
		t.Fatalf("prepare cert holds %d votes, want 2", sl.prepares.Size())
	}
	if sl.prepared {
		t.Fatal("2f prepares must not trigger prepared")
	}

	// The 2f+1-th triggers it exactly once.
	p1 := &types.Prepare{Sender: 2, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}
	r.dispatch(c.sealFrom(2, p1))
	c.discardOutput()
	if !sl.prepared {
		t.Fatal("2f+1 prepares should trigger prepared")
	}
	if !sl.commitSent {
		t.Fatal("prepared should emit a commit")
	}

	// Redelivery does not re-fire.
	r.dispatch(c.sealFrom(2, p1))
	c.discardOutput()
	if sl.commits.Size() != 1 {
		t.Errorf("commit cert should only hold own vote, has %d", sl.commits.Size())
	}
}

func TestWindowBoundary(t *testing.T) {
	c := makeCluster(t, 1, nil) // MaxOut 16, lastStable 0
	r := c.replicas[1]

	// s = lastStable + MaxOut is rejected.
	out := c.makeBatch(16, "over")
	r.dispatch(c.sealFrom(0, out))
	c.discardOutput()
	if r.slots.Fetch(16).pp != nil {
		t.Error("pre-prepare at lastStable+MaxOut must be rejected")
	}

	// s = lastStable + MaxOut - 1 is accepted.
	in := c.makeBatch(15, "edge")
	r.dispatch(c.sealFrom(0, in))
	c.discardOutput()
	if r.slots.Fetch(15).pp == nil {
		t.Error("pre-prepare at lastStable+MaxOut-1 must be accepted")
	}
}

func TestConflictingPrePrepareRecordedAsMisbehavior(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[1]

	ppX := c.makeBatch(1, "X")
	ppY := c.makeBatch(1, "Y")

	r.dispatch(c.sealFrom(0, ppX))
	c.discardOutput()
	r.dispatch(c.sealFrom(0, ppY))
	c.discardOutput()

	sl := r.slots.Fetch(1)
	if sl.pp == nil || !sl.ppDigest.Equal(ppX.BatchDigest) {
		t.Error("the first pre-prepare should stand")
	}
	if r.pool.Size() != 1 {
		t.Errorf("equivocation should be recorded, pool size = %d", r.pool.Size())
	}
	select {
	case d := <-r.Diagnostics():
		if d.Severity != SeverityMisbehavior || d.Proof == nil {
			t.Errorf("expected misbehavior diagnostic with proof, got %+v", d)
		}
	default:
		t.Error("equivocation should surface on the operator channel")
	}
}

func TestPrePrepareFromNonPrimaryDropped(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[2]

	pp := c.makeBatch(1, "A")
	pp.Sender = 1 // not the primary of view 0
	r.dispatch(c.sealFrom(1, pp))
	c.discardOutput()

	if r.slots.Fetch(1).pp != nil {
		t.Error("pre-prepare from non-primary must be dropped")
	}
}

func TestStaleViewPrePrepareDropped(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[2]

	pp := c.makeBatch(1, "A")
	pp.View = 3
	pp.Sender = 3 // primary of view 3
	r.dispatch(c.sealFrom(3, pp))
	c.discardOutput()

	if r.slots.Fetch(1).pp != nil {
		t.Error("pre-prepare for a different view must be dropped")
	}
}

func TestBadBatchDigestDropped(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[1]

	pp := c.makeBatch(1, "A")
	pp.BatchDigest = types.DigestBytes([]byte("lie"))
	r.dispatch(c.sealFrom(0, pp))
	c.discardOutput()

	if r.slots.Fetch(1).pp != nil {
		t.Error("pre-prepare with unrecomputable digest must be dropped")
	}
}

func TestWeakVerifyAcceptsQuorumVouchedPrePrepare(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[3]

	pp := c.makeBatch(1, "A")

	// Two strictly-verified prepares for the digest arrive first.
	r.dispatch(c.sealFrom(1, &types.Prepare{Sender: 1, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	r.dispatch(c.sealFrom(2, &types.Prepare{Sender: 2, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	c.discardOutput()

	// The pre-prepare's MAC entry for replica 3 is corrupted: strict
	// verification fails, but f+1 prepares vouch for the digest.
	data := c.sealFrom(0, pp)
	msg, err := types.DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	broken := msg.(*types.PrePrepare)
	broken.Macs[3][0] ^= 0xFF
	brokenData, err := types.EncodeMessage(broken)
	if err != nil {
		t.Fatal(err)
	}

	r.dispatch(brokenData)
	c.discardOutput()

	sl := r.slots.Fetch(1)
	if sl.pp == nil {
		t.Fatal("weakly-verified pre-prepare should be accepted under a prepare quorum")
	}
	if !sl.prepared {
		t.Error("slot should prepare: own + 2 peers = 2f+1")
	}
}

func TestUnverifiablePrePrepareWithoutQuorumDropped(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[3]

	pp := c.makeBatch(1, "A")

	// Only one prepare: below the weak quorum.
	r.dispatch(c.sealFrom(1, &types.Prepare{Sender: 1, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	c.discardOutput()

	data := c.sealFrom(0, pp)
	msg, _ := types.DecodeMessage(data)
	broken := msg.(*types.PrePrepare)
	broken.Macs[3][0] ^= 0xFF
	brokenData, _ := types.EncodeMessage(broken)

	r.dispatch(brokenData)
	c.discardOutput()

	if r.slots.Fetch(1).pp != nil {
		t.Error("unverifiable pre-prepare without a vouching quorum must be dropped")
	}
}

func TestCommitBeforePrepareIsBuffered(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[3]

	pp := c.makeBatch(1, "A")

	// Commits arrive before the slot has a pre-prepare.
	r.dispatch(c.sealFrom(1, &types.Commit{Sender: 1, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	r.dispatch(c.sealFrom(2, &types.Commit{Sender: 2, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	c.discardOutput()

	sl := r.slots.Fetch(1)
	if sl.commits.Size() != 2 {
		t.Fatalf("early commits should be stored, have %d", sl.commits.Size())
	}
	if sl.committed {
		t.Fatal("unprepared slot must not commit")
	}

	// Ordering catches up; the buffered commits complete the predicate.
	r.dispatch(c.sealFrom(0, pp))
	r.dispatch(c.sealFrom(1, &types.Prepare{Sender: 1, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	r.dispatch(c.sealFrom(2, &types.Prepare{Sender: 2, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	c.discardOutput()

	if !sl.prepared {
		t.Fatal("slot should prepare")
	}
	if !sl.committed {
		t.Error("buffered commits plus own commit should complete the predicate")
	}
	if r.lastExec != 1 {
		t.Errorf("lastExec = %d, want 1", r.lastExec)
	}
}

func TestPrepareFromPrimaryIgnored(t *testing.T) {
	c := makeCluster(t, 1, nil)
	r := c.replicas[1]

	pp := c.makeBatch(1, "A")
	r.dispatch(c.sealFrom(0, pp))
	c.discardOutput()

	sl := r.slots.Fetch(1)
	if !sl.prepares.Has(0) {
		t.Fatal("the pre-prepare should stand in as the primary's prepare vote")
	}
	sizeBefore := sl.prepares.Size()

	// An explicit prepare from the primary adds nothing on top.
	r.dispatch(c.sealFrom(0, &types.Prepare{Sender: 0, View: 0, Seqno: 1, BatchDigest: pp.BatchDigest}))
	c.discardOutput()

	if sl.prepares.Size() != sizeBefore {
		t.Error("explicit prepare from the primary must be ignored")
	}
}
