package types

// MsgKind discriminates wire messages. The kind byte is the first byte
// of every encoded message.
type MsgKind uint8

const (
	KindUnknown MsgKind = iota
	KindRequest
	KindPrePrepare
	KindPrepare
	KindCommit
	KindCheckpoint
	KindViewChange
	KindNewView
	KindStatus
	KindFetch
	KindFetchReply
	KindReply
	KindQueryStable
	KindReplyStable
)

// String returns the message kind name
func (k MsgKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindPrePrepare:
		return "pre-prepare"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindCheckpoint:
		return "checkpoint"
	case KindViewChange:
		return "view-change"
	case KindNewView:
		return "new-view"
	case KindStatus:
		return "status"
	case KindFetch:
		return "fetch"
	case KindFetchReply:
		return "fetch-reply"
	case KindReply:
		return "reply"
	case KindQueryStable:
		return "query-stable"
	case KindReplyStable:
		return "reply-stable"
	default:
		return "unknown"
	}
}

// Message is implemented by every wire message
type Message interface {
	Kind() MsgKind
	Marshal() ([]byte, error)
}

// RequestKey is the unique identity of a request
type RequestKey struct {
	Client    ClientID
	RequestID uint64
}

// Request is a signed client request. Read-only requests bypass ordering.
type Request struct {
	Client    ClientID
	RequestID uint64
	Payload   []byte
	ReadOnly  bool
	Sig       Signature
}

// Key returns the request's unique identity
func (r *Request) Key() RequestKey {
	return RequestKey{Client: r.Client, RequestID: r.RequestID}
}

// Digest returns the digest of the full encoded request, including the
// client signature
func (r *Request) Digest() Digest {
	b, err := r.Marshal()
	if err != nil {
		panic("request marshal cannot fail: " + err.Error())
	}
	return DigestBytes(b)
}

// SignBytes returns the bytes a client signs: the encoded request with
// the signature cleared
func (r *Request) SignBytes() []byte {
	cp := *r
	cp.Sig = Signature{}
	b, err := cp.Marshal()
	if err != nil {
		panic("request marshal cannot fail: " + err.Error())
	}
	return b
}

// PrePrepare orders a batch of requests at a seqno in a view. Sent by
// the primary of the view.
type PrePrepare struct {
	Sender      ReplicaID
	View        View
	Seqno       Seqno
	BatchDigest Digest
	Requests    []Request
	NonDet      []byte
	Sig         Signature
	Macs        [][]byte
}

// IsNull reports whether this is a null pre-prepare (no requests), as
// issued by a new primary for gaps in the window
func (m *PrePrepare) IsNull() bool {
	return len(m.Requests) == 0
}

// Prepare is a backup's vote that it accepted a pre-prepare
type Prepare struct {
	Sender      ReplicaID
	View        View
	Seqno       Seqno
	BatchDigest Digest
	Sig         Signature
	Macs        [][]byte
}

// Commit is a replica's vote that the slot is prepared
type Commit struct {
	Sender      ReplicaID
	View        View
	Seqno       Seqno
	BatchDigest Digest
	Sig         Signature
	Macs        [][]byte
}

// Checkpoint attests the application state digest at a seqno. Always
// signed.
type Checkpoint struct {
	Sender      ReplicaID
	Seqno       Seqno
	StateDigest Digest
	Sig         Signature
}

// PreparedProof attests that a slot prepared in a view: the batch digest
// plus the 2f+1 replicas whose prepares formed the certificate.
type PreparedProof struct {
	Seqno       Seqno
	View        View
	BatchDigest Digest
	Senders     []ReplicaID
}

// ViewChange asks to install NewView, carrying the sender's stable
// checkpoint proof and its prepared slots above it. Always signed.
type ViewChange struct {
	Sender      ReplicaID
	NewView     View
	LastStable  Seqno
	StableProof []Checkpoint
	Prepared    []PreparedProof
	Sig         Signature
}

// NewView installs a view: 2f+1 view-changes as proof plus the
// re-issued pre-prepares for the window. Sent by the primary of View.
type NewView struct {
	Sender      ReplicaID
	View        View
	ViewChanges []ViewChange
	PrePrepares []PrePrepare
	Sig         Signature
}

// Status is the periodic anti-entropy summary of a replica's progress
type Status struct {
	Sender        ReplicaID
	View          View
	LastExec      Seqno
	LastCommitted Seqno
	LastStable    Seqno
	Missing       []Seqno
	Macs          [][]byte
}

// Fetch requests ordered entries or a stable snapshot covering
// [From, To] from a peer
type Fetch struct {
	Sender       ReplicaID
	From         Seqno
	To           Seqno
	TargetDigest Digest
	Macs         [][]byte
}

// FetchReply carries a stable snapshot and/or committed batches for a
// Fetch. StableProof holds the 2f+1 signed checkpoints anchoring the
// snapshot, so the receiver can verify it without trusting the peer.
type FetchReply struct {
	Sender         ReplicaID
	SnapshotSeqno  Seqno
	SnapshotDigest Digest
	SnapshotChunks [][]byte
	StableProof    []Checkpoint
	Batches        []PrePrepare
	Macs           [][]byte
}

// Reply is a replica's response to a client request. Read-only
// speculative replies carry the state digest they executed against.
type Reply struct {
	Sender      ReplicaID
	View        View
	Client      ClientID
	RequestID   uint64
	StateDigest Digest
	Result      []byte
	Sig         Signature
}

// QueryStable solicits ReplyStable messages to bootstrap a lagging
// replica's stability estimate
type QueryStable struct {
	Sender ReplicaID
	Nonce  uint64
	Macs   [][]byte
}

// ReplyStable reports the sender's last checkpoint and last prepared
// seqnos for stability estimation
type ReplyStable struct {
	Sender         ReplicaID
	Nonce          uint64
	LastCheckpoint Seqno
	LastPrepared   Seqno
	Macs           [][]byte
}

// Kind implementations

func (r *Request) Kind() MsgKind     { return KindRequest }
func (m *PrePrepare) Kind() MsgKind  { return KindPrePrepare }
func (m *Prepare) Kind() MsgKind     { return KindPrepare }
func (m *Commit) Kind() MsgKind      { return KindCommit }
func (m *Checkpoint) Kind() MsgKind  { return KindCheckpoint }
func (m *ViewChange) Kind() MsgKind  { return KindViewChange }
func (m *NewView) Kind() MsgKind     { return KindNewView }
func (m *Status) Kind() MsgKind      { return KindStatus }
func (m *Fetch) Kind() MsgKind       { return KindFetch }
func (m *FetchReply) Kind() MsgKind  { return KindFetchReply }
func (m *Reply) Kind() MsgKind       { return KindReply }
func (m *QueryStable) Kind() MsgKind { return KindQueryStable }
func (m *ReplyStable) Kind() MsgKind { return KindReplyStable }

// ComputeBatchDigest computes the digest of a batch: the concatenated
// request digests followed by the non-determinism choice
func ComputeBatchDigest(reqs []Request, nonDet []byte) Digest {
	buf := make([]byte, 0, len(reqs)*DigestSize+len(nonDet))
	for i := range reqs {
		d := reqs[i].Digest()
		buf = append(buf, d[:]...)
	}
	buf = append(buf, nonDet...)
	return DigestBytes(buf)
}

// Signed is a message authenticated with a signature
type Signed interface {
	Message
	// SignBytes returns the encoded message with authenticators cleared
	SignBytes() []byte
	// GetSig returns the signature
	GetSig() Signature
	// SetSig sets the signature
	SetSig(Signature)
}

// MacAuthenticated is a message authenticated with a MAC vector
type MacAuthenticated interface {
	Message
	// AuthBytes returns the encoded message with authenticators cleared
	AuthBytes() []byte
	// GetMacs returns the MAC vector, one tag per replica id
	GetMacs() [][]byte
	// SetMacs sets the MAC vector
	SetMacs([][]byte)
	// SenderID returns the claimed sender
	SenderID() ReplicaID
}

// GetSig / SetSig for signed messages

func (r *Request) GetSig() Signature     { return r.Sig }
func (r *Request) SetSig(s Signature)    { r.Sig = s }
func (m *PrePrepare) GetSig() Signature  { return m.Sig }
func (m *PrePrepare) SetSig(s Signature) { m.Sig = s }
func (m *Prepare) GetSig() Signature     { return m.Sig }
func (m *Prepare) SetSig(s Signature)    { m.Sig = s }
func (m *Commit) GetSig() Signature      { return m.Sig }
func (m *Commit) SetSig(s Signature)     { m.Sig = s }
func (m *Checkpoint) GetSig() Signature  { return m.Sig }
func (m *Checkpoint) SetSig(s Signature) { m.Sig = s }
func (m *ViewChange) GetSig() Signature  { return m.Sig }
func (m *ViewChange) SetSig(s Signature) { m.Sig = s }
func (m *NewView) GetSig() Signature     { return m.Sig }
func (m *NewView) SetSig(s Signature)    { m.Sig = s }
func (m *Reply) GetSig() Signature       { return m.Sig }
func (m *Reply) SetSig(s Signature)      { m.Sig = s }

// GetMacs / SetMacs / SenderID for MAC-vector messages

func (m *PrePrepare) GetMacs() [][]byte    { return m.Macs }
func (m *PrePrepare) SetMacs(v [][]byte)   { m.Macs = v }
func (m *PrePrepare) SenderID() ReplicaID  { return m.Sender }
func (m *Prepare) GetMacs() [][]byte       { return m.Macs }
func (m *Prepare) SetMacs(v [][]byte)      { m.Macs = v }
func (m *Prepare) SenderID() ReplicaID     { return m.Sender }
func (m *Commit) GetMacs() [][]byte        { return m.Macs }
func (m *Commit) SetMacs(v [][]byte)       { m.Macs = v }
func (m *Commit) SenderID() ReplicaID      { return m.Sender }
func (m *Status) GetMacs() [][]byte        { return m.Macs }
func (m *Status) SetMacs(v [][]byte)       { m.Macs = v }
func (m *Status) SenderID() ReplicaID      { return m.Sender }
func (m *Fetch) GetMacs() [][]byte         { return m.Macs }
func (m *Fetch) SetMacs(v [][]byte)        { m.Macs = v }
func (m *Fetch) SenderID() ReplicaID       { return m.Sender }
func (m *FetchReply) GetMacs() [][]byte    { return m.Macs }
func (m *FetchReply) SetMacs(v [][]byte)   { m.Macs = v }
func (m *FetchReply) SenderID() ReplicaID  { return m.Sender }
func (m *QueryStable) GetMacs() [][]byte   { return m.Macs }
func (m *QueryStable) SetMacs(v [][]byte)  { m.Macs = v }
func (m *QueryStable) SenderID() ReplicaID { return m.Sender }
func (m *ReplyStable) GetMacs() [][]byte   { return m.Macs }
func (m *ReplyStable) SetMacs(v [][]byte)  { m.Macs = v }
func (m *ReplyStable) SenderID() ReplicaID { return m.Sender }
