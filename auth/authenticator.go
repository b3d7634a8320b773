package auth

import (
	"fmt"

	"github.com/blockberries/byzberry/types"
)

// Mode selects the hot-path authenticator scheme
type Mode uint8

const (
	// ModeMacVector authenticates ordering messages with per-recipient
	// MAC tags (cheap, default)
	ModeMacVector Mode = iota

	// ModeSigned authenticates ordering messages with signatures
	ModeSigned
)

// String returns the mode name
func (m Mode) String() string {
	if m == ModeSigned {
		return "signed"
	}
	return "mac_vector"
}

// guardKey identifies a one-shot signing coordinate
type guardKey struct {
	kind  types.MsgKind
	view  types.View
	seqno types.Seqno
}

// Authenticator binds a principal set and this node's keys. It fills
// authenticators on outbound messages and checks them on inbound ones.
// Checkpoints, view-changes, new-views and replies are always signed;
// pre-prepares, prepares and commits follow the configured mode; status,
// fetch and stability messages carry no signature and always get a MAC
// vector.
//
// Ordering messages pass through a double-sign guard: this node never
// authenticates two different digests for the same (kind, view, seqno)
// coordinate.
type Authenticator struct {
	self       types.ReplicaID
	principals *types.PrincipalSet
	signer     Signer
	mode       Mode

	clients map[types.ClientID]types.PublicKey
	guard   map[guardKey]types.Digest
}

// New creates an Authenticator for replica self
func New(self types.ReplicaID, principals *types.PrincipalSet, signer Signer, mode Mode) *Authenticator {
	return &Authenticator{
		self:       self,
		principals: principals,
		signer:     signer,
		mode:       mode,
		clients:    make(map[types.ClientID]types.PublicKey),
		guard:      make(map[guardKey]types.Digest),
	}
}

// RegisterClient adds a client principal whose requests this node will
// accept
func (a *Authenticator) RegisterClient(id types.ClientID, pk types.PublicKey) {
	a.clients[id] = pk
}

// Mode returns the hot-path mode
func (a *Authenticator) Mode() Mode {
	return a.mode
}

// Authenticate fills the authenticator on an outbound message
func (a *Authenticator) Authenticate(m types.Message) error {
	switch v := m.(type) {
	case *types.Checkpoint:
		v.Sig = a.signer.Sign(v.SignBytes())
	case *types.ViewChange:
		v.Sig = a.signer.Sign(v.SignBytes())
	case *types.NewView:
		v.Sig = a.signer.Sign(v.SignBytes())
	case *types.Reply:
		v.Sig = a.signer.Sign(v.SignBytes())
	case *types.PrePrepare:
		if err := a.checkGuard(types.KindPrePrepare, v.View, v.Seqno, v.BatchDigest); err != nil {
			return err
		}
		a.authHotPath(v)
	case *types.Prepare:
		if err := a.checkGuard(types.KindPrepare, v.View, v.Seqno, v.BatchDigest); err != nil {
			return err
		}
		a.authHotPath(v)
	case *types.Commit:
		if err := a.checkGuard(types.KindCommit, v.View, v.Seqno, v.BatchDigest); err != nil {
			return err
		}
		a.authHotPath(v)
	case *types.Status, *types.Fetch, *types.FetchReply, *types.QueryStable, *types.ReplyStable:
		a.authHotPath(m)
	default:
		return fmt.Errorf("%w: cannot authenticate %s", ErrBadAuth, m.Kind())
	}
	return nil
}

// authHotPath applies the configured mode to messages that implement
// both Signed and MacAuthenticated; a message that is only
// MacAuthenticated gets a MAC vector in either mode.
func (a *Authenticator) authHotPath(m types.Message) {
	if a.mode == ModeSigned {
		if s, ok := m.(types.Signed); ok {
			s.SetSig(a.signer.Sign(s.SignBytes()))
			return
		}
	}
	ma := m.(types.MacAuthenticated)
	ma.SetMacs(NewMacVector(a.principals, ma.AuthBytes()))
}

// checkGuard enforces one digest per (kind, view, seqno)
func (a *Authenticator) checkGuard(kind types.MsgKind, view types.View, seqno types.Seqno, d types.Digest) error {
	k := guardKey{kind: kind, view: view, seqno: seqno}
	if prev, ok := a.guard[k]; ok {
		if !prev.Equal(d) {
			return fmt.Errorf("%w: %s view=%d seqno=%d", ErrDoubleSign, kind, view, seqno)
		}
		return nil
	}
	a.guard[k] = d
	return nil
}

// ReleaseGuardBelow drops guard entries for seqnos below the stable
// low-water mark
func (a *Authenticator) ReleaseGuardBelow(seqno types.Seqno) {
	for k := range a.guard {
		if k.seqno < seqno {
			delete(a.guard, k)
		}
	}
}

// Verify checks the authenticator on an inbound message under the
// strict scheme
func (a *Authenticator) Verify(m types.Message) error {
	switch v := m.(type) {
	case *types.Request:
		return a.verifyRequest(v)
	case *types.Checkpoint:
		return a.verifySigned(v.Sender, v.SignBytes(), v.Sig)
	case *types.ViewChange:
		return a.verifySigned(v.Sender, v.SignBytes(), v.Sig)
	case *types.NewView:
		return a.verifySigned(v.Sender, v.SignBytes(), v.Sig)
	case *types.Reply:
		return a.verifySigned(v.Sender, v.SignBytes(), v.Sig)
	case *types.PrePrepare:
		return a.verifyHotPath(v, v.Sig)
	case *types.Prepare:
		return a.verifyHotPath(v, v.Sig)
	case *types.Commit:
		return a.verifyHotPath(v, v.Sig)
	case *types.Status:
		return a.verifyMacs(v)
	case *types.Fetch:
		return a.verifyMacs(v)
	case *types.FetchReply:
		return a.verifyMacs(v)
	case *types.QueryStable:
		return a.verifyMacs(v)
	case *types.ReplyStable:
		return a.verifyMacs(v)
	default:
		return fmt.Errorf("%w: cannot verify %s", ErrBadAuth, m.Kind())
	}
}

// VerifyWeaker checks only that the message is well formed and the
// sender is a known principal. It is used to accept a pre-prepare that
// is already vouched for by a weak quorum of strictly-verified prepares.
func (a *Authenticator) VerifyWeaker(m types.Message) error {
	ma, ok := m.(types.MacAuthenticated)
	if !ok {
		return fmt.Errorf("%w: %s has no weak form", ErrBadAuth, m.Kind())
	}
	if !a.principals.Contains(ma.SenderID()) {
		return fmt.Errorf("%w: replica %d", ErrUnknownSender, ma.SenderID())
	}
	if s, ok := m.(types.Signed); ok && !s.GetSig().IsZero() {
		return nil
	}
	if len(ma.GetMacs()) != a.principals.N() {
		return fmt.Errorf("%w: mac vector has %d entries, want %d", ErrBadAuth, len(ma.GetMacs()), a.principals.N())
	}
	return nil
}

func (a *Authenticator) verifyRequest(r *types.Request) error {
	pk, ok := a.clients[r.Client]
	if !ok {
		return fmt.Errorf("%w: client %d", ErrUnknownSender, r.Client)
	}
	if !VerifySignature(pk, r.SignBytes(), r.Sig) {
		return fmt.Errorf("%w: request from client %d", ErrBadAuth, r.Client)
	}
	return nil
}

func (a *Authenticator) verifySigned(sender types.ReplicaID, msg []byte, sig types.Signature) error {
	p, err := a.principals.ByID(sender)
	if err != nil {
		return fmt.Errorf("%w: replica %d", ErrUnknownSender, sender)
	}
	if !VerifySignature(p.PublicKey, msg, sig) {
		return fmt.Errorf("%w: signature from replica %d", ErrBadAuth, sender)
	}
	return nil
}

// verifyHotPath accepts a signature when present, falling back to the
// MAC vector entry addressed to this replica
func (a *Authenticator) verifyHotPath(m types.MacAuthenticated, sig types.Signature) error {
	if !sig.IsZero() {
		s := m.(types.Signed)
		return a.verifySigned(m.SenderID(), s.SignBytes(), sig)
	}
	return a.verifyMacs(m)
}

func (a *Authenticator) verifyMacs(m types.MacAuthenticated) error {
	sender := m.SenderID()
	if sender == a.self {
		return nil
	}
	p, err := a.principals.ByID(sender)
	if err != nil {
		return fmt.Errorf("%w: replica %d", ErrUnknownSender, sender)
	}
	macs := m.GetMacs()
	if len(macs) != a.principals.N() {
		return fmt.Errorf("%w: mac vector has %d entries, want %d", ErrBadAuth, len(macs), a.principals.N())
	}
	if !VerifyMacEntry(p.MacKey, a.self, macs, m.AuthBytes()) {
		return fmt.Errorf("%w: mac from replica %d", ErrBadAuth, sender)
	}
	return nil
}

// VerifyReply checks a replica's reply signature; used by the client
// path, which holds a principal set but no replica Authenticator
func VerifyReply(principals *types.PrincipalSet, r *types.Reply) error {
	p, err := principals.ByID(r.Sender)
	if err != nil {
		return fmt.Errorf("%w: replica %d", ErrUnknownSender, r.Sender)
	}
	if !VerifySignature(p.PublicKey, r.SignBytes(), r.Sig) {
		return fmt.Errorf("%w: reply from replica %d", ErrBadAuth, r.Sender)
	}
	return nil
}
