package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/byzberry/auth"
	"github.com/blockberries/byzberry/engine"
	"github.com/blockberries/byzberry/ledger"
	"github.com/blockberries/byzberry/types"
)

const clientID types.ClientID = 7

// kvKernel is a tiny deterministic kernel: it appends payloads and
// reports how many it holds.
type kvKernel struct {
	mu      sync.Mutex
	entries []string
}

func (k *kvKernel) Execute(seqno types.Seqno, payload []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = append(k.entries, string(payload))
	return []byte("OK:" + string(payload)), nil
}

func (k *kvKernel) ExecuteReadOnly(payload []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return []byte(fmt.Sprintf("RO:%d", len(k.entries))), nil
}

func (k *kvKernel) NonDetChoice(seqno types.Seqno) ([]byte, error) {
	return []byte{byte(seqno)}, nil
}

func (k *kvKernel) StateDigest() types.Digest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return types.DigestBytes([]byte(strings.Join(k.entries, "\x00")))
}

func (k *kvKernel) Snapshot() ([][]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	chunks := make([][]byte, len(k.entries))
	for i, e := range k.entries {
		chunks[i] = []byte(e)
	}
	return chunks, nil
}

func (k *kvKernel) InstallSnapshot(chunks [][]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = k.entries[:0]
	for _, c := range chunks {
		k.entries = append(k.entries, string(c))
	}
	return nil
}

func (k *kvKernel) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// hub is an in-memory datagram fabric with per-sender FIFO and
// programmable link failures
type hub struct {
	mu       sync.Mutex
	replicas map[types.ReplicaID]*engine.Replica
	clients  map[types.ClientID]*engine.Client
	blocked  map[types.ReplicaID]bool
}

func newHub() *hub {
	return &hub{
		replicas: make(map[types.ReplicaID]*engine.Replica),
		clients:  make(map[types.ClientID]*engine.Client),
		blocked:  make(map[types.ReplicaID]bool),
	}
}

func (h *hub) block(id types.ReplicaID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked[id] = true
}

func (h *hub) unblock(id types.ReplicaID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.blocked, id)
}

func (h *hub) isBlocked(id types.ReplicaID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocked[id]
}

// replicaPort is one replica's view of the fabric
type replicaPort struct {
	hub  *hub
	self types.ReplicaID
}

func (p *replicaPort) Send(to types.ReplicaID, data []byte) error {
	if p.hub.isBlocked(p.self) || p.hub.isBlocked(to) {
		return nil
	}
	if r, ok := p.hub.replicas[to]; ok {
		r.Deliver(data)
	}
	return nil
}

func (p *replicaPort) Broadcast(data []byte) error {
	if p.hub.isBlocked(p.self) {
		return nil
	}
	for id, r := range p.hub.replicas {
		if id == p.self || p.hub.isBlocked(id) {
			continue
		}
		r.Deliver(data)
	}
	return nil
}

func (p *replicaPort) Reply(client types.ClientID, data []byte) error {
	if p.hub.isBlocked(p.self) {
		return nil
	}
	if c, ok := p.hub.clients[client]; ok {
		c.Deliver(data)
	}
	return nil
}

// clientPort is the client's view of the fabric
type clientPort struct {
	hub *hub
}

func (p *clientPort) Send(to types.ReplicaID, data []byte) error {
	if r, ok := p.hub.replicas[to]; ok && !p.hub.isBlocked(to) {
		r.Deliver(data)
	}
	return nil
}

func (p *clientPort) Broadcast(data []byte) error {
	for id, r := range p.hub.replicas {
		if !p.hub.isBlocked(id) {
			r.Deliver(data)
		}
	}
	return nil
}

// testNet is a running consensus network
type testNet struct {
	t        *testing.T
	f        int
	hub      *hub
	replicas []*engine.Replica
	kernels  []*kvKernel
	sinks    []*ledger.FileSink
	client   *engine.Client
}

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

func startNet(t *testing.T, f int, mutate func(*engine.Config)) *testNet {
	t.Helper()
	n := 3*f + 1

	signers := make([]*auth.Ed25519Signer, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		s, err := auth.NewEd25519Signer(seed)
		if err != nil {
			t.Fatal(err)
		}
		signers[i] = s
	}
	clientSeed := make([]byte, 32)
	clientSeed[0] = 0xC1
	clientSigner, err := auth.NewEd25519Signer(clientSeed)
	if err != nil {
		t.Fatal(err)
	}

	makeSet := func(self types.ReplicaID) *types.PrincipalSet {
		principals := make([]*types.Principal, n)
		for i := 0; i < n; i++ {
			principals[i] = &types.Principal{
				ID:        types.ReplicaID(i),
				PublicKey: signers[i].PublicKey(),
				MacKey:    pairKey(self, types.ReplicaID(i)),
			}
		}
		set, err := types.NewPrincipalSet(f, principals)
		if err != nil {
			t.Fatal(err)
		}
		return set
	}

	tn := &testNet{t: t, f: f, hub: newHub()}
	for self := 0; self < n; self++ {
		cfg := engine.DefaultConfig()
		cfg.F = f
		cfg.SelfID = types.ReplicaID(self)
		cfg.MaxOut = 16
		cfg.CheckpointInterval = 4
		cfg.ViewChangeTimeout = 300 * time.Millisecond
		cfg.RetransmitInterval = 50 * time.Millisecond
		cfg.StatusInterval = 100 * time.Millisecond
		if mutate != nil {
			mutate(&cfg)
		}

		kernel := &kvKernel{}
		sink, err := ledger.NewFileSink(fmt.Sprintf("%s/ledger-%d", t.TempDir(), self), false)
		if err != nil {
			t.Fatal(err)
		}
		port := &replicaPort{hub: tn.hub, self: types.ReplicaID(self)}
		r, err := engine.NewReplica(cfg, makeSet(types.ReplicaID(self)), signers[self], kernel, sink, port)
		if err != nil {
			t.Fatal(err)
		}
		r.RegisterClient(clientID, clientSigner.PublicKey())

		tn.hub.replicas[types.ReplicaID(self)] = r
		tn.replicas = append(tn.replicas, r)
		tn.kernels = append(tn.kernels, kernel)
		tn.sinks = append(tn.sinks, sink)
	}

	// Replies are signed, so the client needs only the principal
	// arithmetic and public keys; the MAC keys are unused by it.
	tn.client = engine.NewClient(clientID, clientSigner, makeSet(0), &clientPort{hub: tn.hub}, 100*time.Millisecond, zerolog.Nop())
	tn.hub.clients[clientID] = tn.client

	for _, r := range tn.replicas {
		if err := r.Start(); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		for _, r := range tn.replicas {
			r.Stop()
		}
		for _, s := range tn.sinks {
			s.Close()
		}
	})
	return tn
}

// waitUntil polls cond until it holds or the deadline passes
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConsensusHappyPath(t *testing.T) {
	tn := startNet(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := tn.client.Invoke(ctx, []byte("A"), false)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "OK:A" {
		t.Errorf("result = %q, want OK:A", result)
	}

	waitUntil(t, 5*time.Second, "all replicas executing", func() bool {
		for _, r := range tn.replicas {
			if r.LastExec() < 1 {
				return false
			}
		}
		return true
	})
	for i, k := range tn.kernels {
		if k.size() != 1 {
			t.Errorf("replica %d kernel holds %d entries", i, k.size())
		}
	}
}

func TestConsensusSequentialLoad(t *testing.T) {
	tn := startNet(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf("op-%d", i)
		result, err := tn.client.Invoke(ctx, []byte(payload), false)
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if string(result) != "OK:"+payload {
			t.Errorf("invoke %d result = %q", i, result)
		}
	}

	waitUntil(t, 5*time.Second, "replicas converging", func() bool {
		for _, r := range tn.replicas {
			if r.LastExec() < 10 {
				return false
			}
		}
		return true
	})

	// Identical execution history everywhere, and a matching ledger.
	want := tn.kernels[0].StateDigest()
	for i, k := range tn.kernels {
		if !k.StateDigest().Equal(want) {
			t.Errorf("replica %d state digest diverges", i)
		}
		if got := tn.sinks[i].Count(); got != 10 {
			t.Errorf("replica %d ledger holds %d batches, want 10", i, got)
		}
	}
}

func TestConsensusReadOnly(t *testing.T) {
	tn := startNet(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := tn.client.Invoke(ctx, []byte("A"), false); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 5*time.Second, "execution settling", func() bool {
		for _, r := range tn.replicas {
			if r.LastExec() < 1 {
				return false
			}
		}
		return true
	})

	result, err := tn.client.Invoke(ctx, []byte("peek"), true)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "RO:1" {
		t.Errorf("read-only result = %q, want RO:1", result)
	}
}

func TestConsensusSilentPrimaryViewChange(t *testing.T) {
	tn := startNet(t, 1, nil)

	// The primary of view 0 goes silent before any traffic.
	tn.hub.block(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := tn.client.Invoke(ctx, []byte("B"), false)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != "OK:B" {
		t.Errorf("result = %q, want OK:B", result)
	}

	waitUntil(t, 5*time.Second, "view advancing past 0", func() bool {
		for id, r := range tn.replicas {
			if id == 0 {
				continue
			}
			if r.View() < 1 {
				return false
			}
		}
		return true
	})
}

func TestConsensusCheckpointBoundsLog(t *testing.T) {
	tn := startNet(t, 1, nil) // MaxOut 16, interval 4

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		if _, err := tn.client.Invoke(ctx, []byte(fmt.Sprintf("op-%d", i)), false); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}

	waitUntil(t, 10*time.Second, "checkpoints stabilizing", func() bool {
		for _, r := range tn.replicas {
			if r.LastStable() < 16 {
				return false
			}
		}
		return true
	})
	for i, r := range tn.replicas {
		if r.LastStable() > r.LastExec() {
			t.Errorf("replica %d stable %d above exec %d", i, r.LastStable(), r.LastExec())
		}
	}
}

func TestConsensusLaggingReplicaCatchesUp(t *testing.T) {
	tn := startNet(t, 1, func(cfg *engine.Config) {
		cfg.MaxOut = 8
		cfg.CheckpointInterval = 4
	})

	tn.hub.block(3)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for i := 0; i < 12; i++ {
		if _, err := tn.client.Invoke(ctx, []byte(fmt.Sprintf("op-%d", i)), false); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if tn.replicas[3].LastExec() != 0 {
		t.Fatal("partitioned replica should be empty")
	}

	tn.hub.unblock(3)

	waitUntil(t, 20*time.Second, "lagging replica catching up", func() bool {
		return tn.replicas[3].LastExec() >= 12
	})
	if !tn.kernels[3].StateDigest().Equal(tn.kernels[0].StateDigest()) {
		t.Error("caught-up replica state digest should match peers")
	}
}
