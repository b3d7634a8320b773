package auth

import (
	"errors"
	"testing"

	"github.com/blockberries/byzberry/types"
)

// pairKey returns the symmetric MAC key shared by replicas i and j
func pairKey(i, j types.ReplicaID) types.MacKey {
	lo, hi := i, j
	if lo > hi {
		lo, hi = hi, lo
	}
	var k types.MacKey
	k[0] = byte(lo + 1)
	k[1] = byte(hi + 1)
	return k
}

// makeFixture builds per-replica principal sets (each with MAC keys
// relative to that replica) and the matching signers.
func makeFixture(t *testing.T, f int) ([]*types.PrincipalSet, []*Ed25519Signer) {
	t.Helper()
	n := 3*f + 1

	signers := make([]*Ed25519Signer, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		s, err := NewEd25519Signer(seed)
		if err != nil {
			t.Fatal(err)
		}
		signers[i] = s
	}

	sets := make([]*types.PrincipalSet, n)
	for self := 0; self < n; self++ {
		principals := make([]*types.Principal, n)
		for i := 0; i < n; i++ {
			principals[i] = &types.Principal{
				ID:        types.ReplicaID(i),
				PublicKey: signers[i].PublicKey(),
				MacKey:    pairKey(types.ReplicaID(self), types.ReplicaID(i)),
			}
		}
		set, err := types.NewPrincipalSet(f, principals)
		if err != nil {
			t.Fatal(err)
		}
		sets[self] = set
	}
	return sets, signers
}

func TestSignerRejectsBadSeed(t *testing.T) {
	if _, err := NewEd25519Signer(make([]byte, 16)); !errors.Is(err, ErrBadSeed) {
		t.Errorf("expected ErrBadSeed, got %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("attest")
	sig := s.Sign(msg)
	if !VerifySignature(s.PublicKey(), msg, sig) {
		t.Error("signature should verify")
	}
	if VerifySignature(s.PublicKey(), []byte("other"), sig) {
		t.Error("signature should not verify for other message")
	}
}

func TestSignedMessageVerify(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	sender := New(1, sets[1], signers[1], ModeMacVector)
	receiver := New(2, sets[2], signers[2], ModeMacVector)

	ck := &types.Checkpoint{Sender: 1, Seqno: 10, StateDigest: types.DigestBytes([]byte("s"))}
	if err := sender.Authenticate(ck); err != nil {
		t.Fatal(err)
	}
	if err := receiver.Verify(ck); err != nil {
		t.Errorf("checkpoint should verify: %v", err)
	}

	ck.Seqno = 11
	if err := receiver.Verify(ck); !errors.Is(err, ErrBadAuth) {
		t.Errorf("tampered checkpoint should fail with ErrBadAuth, got %v", err)
	}
}

func TestMacVectorVerify(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	sender := New(0, sets[0], signers[0], ModeMacVector)

	p := &types.Prepare{Sender: 0, View: 1, Seqno: 5, BatchDigest: types.DigestBytes([]byte("b"))}
	if err := sender.Authenticate(p); err != nil {
		t.Fatal(err)
	}
	if len(p.Macs) != 4 {
		t.Fatalf("mac vector should have 4 entries, got %d", len(p.Macs))
	}

	// Every other replica verifies its own entry.
	for id := 1; id <= 3; id++ {
		receiver := New(types.ReplicaID(id), sets[id], signers[id], ModeMacVector)
		if err := receiver.Verify(p); err != nil {
			t.Errorf("replica %d should verify mac vector: %v", id, err)
		}
	}

	// Tampering with the body invalidates every entry.
	p.Seqno = 6
	receiver := New(2, sets[2], signers[2], ModeMacVector)
	if err := receiver.Verify(p); !errors.Is(err, ErrBadAuth) {
		t.Errorf("tampered prepare should fail with ErrBadAuth, got %v", err)
	}
}

func TestSignedModeHotPath(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	sender := New(0, sets[0], signers[0], ModeSigned)
	receiver := New(3, sets[3], signers[3], ModeSigned)

	p := &types.Prepare{Sender: 0, View: 1, Seqno: 5, BatchDigest: types.DigestBytes([]byte("b"))}
	if err := sender.Authenticate(p); err != nil {
		t.Fatal(err)
	}
	if p.Sig.IsZero() {
		t.Fatal("signed mode should produce a signature")
	}
	if len(p.Macs) != 0 {
		t.Fatal("signed mode should not produce a mac vector")
	}
	if err := receiver.Verify(p); err != nil {
		t.Errorf("signed prepare should verify: %v", err)
	}
}

func TestVerifyUnknownSender(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	receiver := New(1, sets[1], signers[1], ModeMacVector)

	p := &types.Prepare{Sender: 9, View: 1, Seqno: 5}
	if err := receiver.Verify(p); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender, got %v", err)
	}
}

func TestVerifyRequest(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	receiver := New(0, sets[0], signers[0], ModeMacVector)

	clientSigner, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{Client: 7, RequestID: 1, Payload: []byte("A")}
	req.Sig = clientSigner.Sign(req.SignBytes())

	// Unknown client is rejected.
	if err := receiver.Verify(req); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender for unregistered client, got %v", err)
	}

	receiver.RegisterClient(7, clientSigner.PublicKey())
	if err := receiver.Verify(req); err != nil {
		t.Errorf("request should verify: %v", err)
	}

	req.Payload = []byte("B")
	if err := receiver.Verify(req); !errors.Is(err, ErrBadAuth) {
		t.Errorf("tampered request should fail with ErrBadAuth, got %v", err)
	}
}

func TestDoubleSignGuard(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	a := New(0, sets[0], signers[0], ModeMacVector)

	d1 := types.DigestBytes([]byte("one"))
	d2 := types.DigestBytes([]byte("two"))

	p := &types.Prepare{Sender: 0, View: 1, Seqno: 5, BatchDigest: d1}
	if err := a.Authenticate(p); err != nil {
		t.Fatal(err)
	}

	// Re-authenticating the same digest is allowed (retransmission).
	if err := a.Authenticate(p); err != nil {
		t.Errorf("re-signing same digest should be allowed: %v", err)
	}

	conflict := &types.Prepare{Sender: 0, View: 1, Seqno: 5, BatchDigest: d2}
	if err := a.Authenticate(conflict); !errors.Is(err, ErrDoubleSign) {
		t.Errorf("expected ErrDoubleSign, got %v", err)
	}

	// Released coordinates may be reused.
	a.ReleaseGuardBelow(6)
	if err := a.Authenticate(conflict); err != nil {
		t.Errorf("released coordinate should be signable: %v", err)
	}
}

func TestVerifyWeaker(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	receiver := New(1, sets[1], signers[1], ModeMacVector)

	pp := &types.PrePrepare{Sender: 0, View: 0, Seqno: 1, Macs: make([][]byte, 4)}
	if err := receiver.VerifyWeaker(pp); err != nil {
		t.Errorf("well-formed pre-prepare should pass VerifyWeaker: %v", err)
	}

	pp.Macs = make([][]byte, 2)
	if err := receiver.VerifyWeaker(pp); !errors.Is(err, ErrBadAuth) {
		t.Errorf("short mac vector should fail VerifyWeaker, got %v", err)
	}

	pp.Sender = 9
	if err := receiver.VerifyWeaker(pp); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("unknown sender should fail VerifyWeaker, got %v", err)
	}
}

func TestVerifyReply(t *testing.T) {
	sets, signers := makeFixture(t, 1)
	replica := New(2, sets[2], signers[2], ModeMacVector)

	r := &types.Reply{Sender: 2, View: 0, Client: 7, RequestID: 1, Result: []byte("OK")}
	if err := replica.Authenticate(r); err != nil {
		t.Fatal(err)
	}
	if err := VerifyReply(sets[0], r); err != nil {
		t.Errorf("reply should verify: %v", err)
	}

	r.Result = []byte("KO")
	if err := VerifyReply(sets[0], r); !errors.Is(err, ErrBadAuth) {
		t.Errorf("tampered reply should fail, got %v", err)
	}
}
