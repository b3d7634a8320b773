package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/byzberry/auth"
	"github.com/blockberries/byzberry/evidence"
	"github.com/blockberries/byzberry/ledger"
	"github.com/blockberries/byzberry/types"
)

const (
	inboundChannelSize    = 4096
	diagnosticChannelSize = 64
)

// Kernel is the deterministic application executor. Execute must be
// deterministic and must not block on the network.
type Kernel interface {
	// Execute applies one ordered request and returns the reply bytes
	Execute(seqno types.Seqno, payload []byte) ([]byte, error)

	// ExecuteReadOnly evaluates a read-only request against current
	// state without mutating it
	ExecuteReadOnly(payload []byte) ([]byte, error)

	// NonDetChoice returns the non-determinism payload for a batch the
	// primary is assembling
	NonDetChoice(seqno types.Seqno) ([]byte, error)

	// StateDigest reflects all execution up to, and not beyond, the
	// last Execute call
	StateDigest() types.Digest

	// Snapshot captures the full state as chunks
	Snapshot() ([][]byte, error)

	// InstallSnapshot replaces the state with a snapshot's chunks
	InstallSnapshot(chunks [][]byte) error
}

// Transport carries protocol messages. Send and Broadcast address
// replicas; Reply addresses clients. Per-sender FIFO delivery into
// Deliver is the transport's responsibility.
type Transport interface {
	Send(to types.ReplicaID, data []byte) error
	Broadcast(data []byte) error
	Reply(client types.ClientID, data []byte) error
}

// Severity classifies operator diagnostics
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityMisbehavior
	SeverityRecovery
	SeverityFatal
)

// Diagnostic is an operator-channel event. Fatal diagnostics mean this
// replica has stopped participating.
type Diagnostic struct {
	Severity Severity
	Message  string
	Err      error
	Proof    *evidence.Equivocation
}

// inbound is one received datagram
type inbound struct {
	data []byte
}

// voteKey renders the (view, digest) payload identity of a vote
func voteKey(v types.View, d types.Digest) string {
	return fmt.Sprintf("%d/%s", v, d)
}

// prepareVote adapts a prepare to the certificate vote constraint
type prepareVote struct {
	msg *types.Prepare
}

func (v prepareVote) VoteSender() types.ReplicaID { return v.msg.Sender }
func (v prepareVote) VoteKey() string             { return voteKey(v.msg.View, v.msg.BatchDigest) }

// commitVote adapts a commit to the certificate vote constraint
type commitVote struct {
	msg *types.Commit
}

func (v commitVote) VoteSender() types.ReplicaID { return v.msg.Sender }
func (v commitVote) VoteKey() string             { return voteKey(v.msg.View, v.msg.BatchDigest) }

// checkpointVote adapts a checkpoint to the certificate vote constraint
type checkpointVote struct {
	msg *types.Checkpoint
}

func (v checkpointVote) VoteSender() types.ReplicaID { return v.msg.Sender }
func (v checkpointVote) VoteKey() string             { return v.msg.StateDigest.String() }

// slot is one in-flight ordering position
type slot struct {
	seqno types.Seqno

	pp       *types.PrePrepare
	ppDigest types.Digest

	prepares *Certificate[prepareVote]
	commits  *Certificate[commitVote]

	prepareSent  bool
	commitSent   bool
	prepared     bool
	preparedView types.View
	committed    bool
	executed     bool

	sentAt time.Time
}

// IsEmpty reports whether nothing has happened at this slot
func (s *slot) IsEmpty() bool {
	return s.pp == nil && s.prepares.IsEmpty() && s.commits.IsEmpty()
}

// DumpState writes a one-line summary
func (s *slot) DumpState(w io.Writer) {
	fmt.Fprintf(w, "pp:%v prepared:%v committed:%v executed:%v prepares:%d commits:%d",
		s.pp != nil, s.prepared, s.committed, s.executed, s.prepares.Size(), s.commits.Size())
}

// replyCacheEntry is the last reply sent to a client
type replyCacheEntry struct {
	requestID uint64
	encoded   []byte
}

// snapshotState is the retained stable snapshot served to lagging peers
type snapshotState struct {
	seqno  types.Seqno
	digest types.Digest
	chunks [][]byte
	proof  []types.Checkpoint
}

// Replica is the protocol state machine for one participant. All state
// is owned by the event loop; exported queries take the mutex.
type Replica struct {
	mu sync.Mutex

	cfg        Config
	id         types.ReplicaID
	principals *types.PrincipalSet
	auth       *auth.Authenticator
	kernel     Kernel
	sink       ledger.Sink
	transport  Transport
	pool       *evidence.Pool
	log        zerolog.Logger

	// Ordering state.
	view          types.View
	activeView    bool
	nextSeqno     types.Seqno
	lastExec      types.Seqno
	lastCommitted types.Seqno
	lastPrepared  types.Seqno
	lastStable    types.Seqno
	slots         *Log[*slot]

	// Client requests.
	queue      []*types.Request
	pending    map[types.RequestKey]*types.Request
	replyCache map[types.ClientID]*replyCacheEntry

	// Checkpoints.
	checkpoints map[types.Seqno]*Certificate[checkpointVote]
	stableProof []types.Checkpoint
	snapshot    *snapshotState

	// View change.
	viewChanges map[types.View]map[types.ReplicaID]*types.ViewChange
	newViews    map[types.View]*types.NewView
	vcTimer     *ViewChangeTimer

	// State transfer.
	fetch fetcher

	// Plumbing.
	msgCh   chan inbound
	stopCh  chan struct{}
	doneCh  chan struct{}
	diagCh  chan Diagnostic
	started bool
	halted  bool
}

// NewReplica creates a replica. The signer must match the public key
// registered for cfg.SelfID in the principal set.
func NewReplica(cfg Config, principals *types.PrincipalSet, signer auth.Signer, kernel Kernel, sink ledger.Sink, transport Transport) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if principals.F() != cfg.F {
		return nil, fmt.Errorf("principal set has f=%d, config has f=%d", principals.F(), cfg.F)
	}
	if !principals.Contains(cfg.SelfID) {
		return nil, fmt.Errorf("self id %d not in principal set", cfg.SelfID)
	}

	r := &Replica{
		cfg:         cfg,
		id:          cfg.SelfID,
		principals:  principals,
		auth:        auth.New(cfg.SelfID, principals, signer, cfg.SigMode),
		kernel:      kernel,
		sink:        sink,
		transport:   transport,
		pool:        evidence.NewPool(),
		log:         cfg.Logger.With().Uint32("replica", uint32(cfg.SelfID)).Logger(),
		activeView:  true,
		nextSeqno:   1,
		pending:     make(map[types.RequestKey]*types.Request),
		replyCache:  make(map[types.ClientID]*replyCacheEntry),
		checkpoints: make(map[types.Seqno]*Certificate[checkpointVote]),
		viewChanges: make(map[types.View]map[types.ReplicaID]*types.ViewChange),
		newViews:    make(map[types.View]*types.NewView),
		vcTimer:     NewViewChangeTimer(cfg.ViewChangeTimeout),
		msgCh:       make(chan inbound, inboundChannelSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		diagCh:      make(chan Diagnostic, diagnosticChannelSize),
	}

	slots, err := NewLog(cfg.MaxOut, 1, r.freshSlot)
	if err != nil {
		return nil, err
	}
	r.slots = slots
	return r, nil
}

// freshSlot builds an empty slot for seqno
func (r *Replica) freshSlot(s types.Seqno) *slot {
	return &slot{
		seqno:    s,
		prepares: NewCertificate[prepareVote](r.principals.QuorumSize()),
		commits:  NewCertificate[commitVote](r.principals.QuorumSize()),
	}
}

// RegisterClient registers a client principal
func (r *Replica) RegisterClient(id types.ClientID, pk types.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth.RegisterClient(id, pk)
}

// Start launches the event loop
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	go r.run()
	return nil
}

// Stop terminates the event loop
func (r *Replica) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	r.vcTimer.Stop()
	return nil
}

// Deliver hands one received datagram to the replica. The transport
// must preserve per-sender FIFO order. Deliver blocks rather than drop
// when the inbound queue is full; authenticated in-window traffic is
// never shed.
func (r *Replica) Deliver(data []byte) {
	select {
	case r.msgCh <- inbound{data: data}:
	case <-r.stopCh:
	}
}

// Diagnostics returns the operator channel
func (r *Replica) Diagnostics() <-chan Diagnostic {
	return r.diagCh
}

// Evidence returns the misbehavior pool
func (r *Replica) Evidence() *evidence.Pool {
	return r.pool
}

// View returns the current view
func (r *Replica) View() types.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// LastExec returns the last executed seqno
func (r *Replica) LastExec() types.Seqno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExec
}

// LastStable returns the last stable checkpoint seqno
func (r *Replica) LastStable() types.Seqno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStable
}

// IsPrimary reports whether this replica leads the current view
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimary()
}

// isPrimary is the lock-free form for internal use
func (r *Replica) isPrimary() bool {
	return r.principals.Primary(r.view) == r.id
}

// inWindow reports whether the primary may order, and replicas accept,
// a seqno: strictly above the stable mark and strictly below
// lastStable + MaxOut.
func (r *Replica) inWindow(s types.Seqno) bool {
	return s > r.lastStable && s < r.lastStable+types.Seqno(r.cfg.MaxOut)
}

// run is the event loop. All protocol state transitions happen here.
func (r *Replica) run() {
	defer close(r.doneCh)

	statusTick := time.NewTicker(r.cfg.StatusInterval)
	defer statusTick.Stop()
	retransmitTick := time.NewTicker(r.cfg.RetransmitInterval)
	defer retransmitTick.Stop()

	for {
		select {
		case <-r.stopCh:
			return

		case in := <-r.msgCh:
			r.mu.Lock()
			if !r.halted {
				r.dispatch(in.data)
			}
			r.mu.Unlock()

		case <-r.vcTimer.C():
			r.mu.Lock()
			if !r.halted {
				r.onViewChangeTimeout()
			}
			r.mu.Unlock()

		case <-statusTick.C:
			r.mu.Lock()
			if !r.halted {
				r.sendStatus()
			}
			r.mu.Unlock()

		case <-retransmitTick.C:
			r.mu.Lock()
			if !r.halted {
				r.onRetransmitTick()
			}
			r.mu.Unlock()
		}
	}
}

// dispatch decodes and routes one datagram. Failures drop the message
// silently: no ack, no retransmit.
func (r *Replica) dispatch(data []byte) {
	if r.halted {
		return
	}
	msg, err := types.DecodeMessage(data)
	if err != nil {
		r.log.Debug().Err(err).Msg("dropping undecodable message")
		return
	}

	switch m := msg.(type) {
	case *types.Request:
		r.onRequest(m)
	case *types.PrePrepare:
		r.onPrePrepare(m, data)
	case *types.Prepare:
		r.onPrepare(m, data)
	case *types.Commit:
		r.onCommit(m, data)
	case *types.Checkpoint:
		r.onCheckpoint(m, data)
	case *types.ViewChange:
		r.onViewChange(m)
	case *types.NewView:
		r.onNewView(m)
	case *types.Status:
		r.onStatus(m)
	case *types.Fetch:
		r.onFetch(m)
	case *types.FetchReply:
		r.onFetchReply(m)
	case *types.QueryStable:
		r.onQueryStable(m)
	case *types.ReplyStable:
		r.onReplyStable(m)
	default:
		r.log.Debug().Str("kind", msg.Kind().String()).Msg("dropping unexpected message kind")
	}
}

// diagnose emits an operator-channel event without blocking
func (r *Replica) diagnose(d Diagnostic) {
	select {
	case r.diagCh <- d:
	default:
	}
}

// halt stops participation after a fatal local failure. The remaining
// replicas continue so long as correctness thresholds hold.
func (r *Replica) halt(msg string, err error) {
	r.halted = true
	r.vcTimer.Stop()
	r.log.Error().Err(err).Msg(msg)
	r.diagnose(Diagnostic{Severity: SeverityFatal, Message: msg, Err: err})
}

// send encodes, authenticates and unicasts a message
func (r *Replica) send(to types.ReplicaID, m types.Message) {
	data, ok := r.seal(m)
	if !ok {
		return
	}
	if err := r.transport.Send(to, data); err != nil {
		r.log.Debug().Err(err).Uint32("to", uint32(to)).Msg("send failed")
	}
}

// broadcast encodes, authenticates and multicasts a message
func (r *Replica) broadcast(m types.Message) {
	data, ok := r.seal(m)
	if !ok {
		return
	}
	if err := r.transport.Broadcast(data); err != nil {
		r.log.Debug().Err(err).Msg("broadcast failed")
	}
}

// seal authenticates and encodes an outbound message
func (r *Replica) seal(m types.Message) ([]byte, bool) {
	if err := r.auth.Authenticate(m); err != nil {
		r.log.Error().Err(err).Str("kind", m.Kind().String()).Msg("refusing to authenticate outbound message")
		return nil, false
	}
	data, err := types.EncodeMessage(m)
	if err != nil {
		r.log.Error().Err(err).Str("kind", m.Kind().String()).Msg("failed to encode outbound message")
		return nil, false
	}
	return data, true
}
