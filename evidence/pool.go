package evidence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/byzberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrSameDigest        = errors.New("messages with equal digests are not equivocation")
	ErrSenderMismatch    = errors.New("messages from different senders")
	ErrKindMismatch      = errors.New("messages of different kinds")
)

// MaxSeenEntries bounds the memory used for first-sighting tracking.
// With 4 replicas and three vote kinds per slot this covers more than
// 8000 in-flight slots.
const MaxSeenEntries = 100000

// Equivocation is an immutable proof that a sender issued two
// conflicting authenticated messages for the same protocol coordinate:
// same kind, view and seqno, different digests. The raw encodings are
// kept so an operator can re-verify the authenticators offline.
type Equivocation struct {
	Sender  types.ReplicaID
	Kind    types.MsgKind
	View    types.View
	Seqno   types.Seqno
	DigestA types.Digest
	DigestB types.Digest
	RawA    []byte
	RawB    []byte
	Seen    time.Time
}

// Key identifies the coordinate an equivocation proves misbehavior at
func (e *Equivocation) Key() string {
	return fmt.Sprintf("%d/%s/%d/%d", e.Sender, e.Kind, e.View, e.Seqno)
}

// Verify checks internal consistency of the proof
func (e *Equivocation) Verify() error {
	if e.DigestA.Equal(e.DigestB) {
		return ErrSameDigest
	}
	if len(e.RawA) == 0 || len(e.RawB) == 0 {
		return fmt.Errorf("%w: missing raw encodings", ErrInvalidEvidence)
	}
	ma, err := types.DecodeMessage(e.RawA)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	mb, err := types.DecodeMessage(e.RawB)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	if ma.Kind() != mb.Kind() {
		return ErrKindMismatch
	}
	sa, aok := ma.(types.MacAuthenticated)
	sb, bok := mb.(types.MacAuthenticated)
	if aok && bok && sa.SenderID() != sb.SenderID() {
		return ErrSenderMismatch
	}
	return nil
}

// sighting is the first authenticated message seen for a coordinate
type sighting struct {
	digest types.Digest
	raw    []byte
	seqno  types.Seqno
}

// Pool records protocol misbehavior. Proofs are immutable once added:
// the pool only ever grows within its retention window, and nothing is
// sent back to the misbehaving peer.
type Pool struct {
	mu sync.RWMutex

	// First sighting per coordinate, for equivocation detection.
	seen map[string]*sighting

	// Recorded proofs by coordinate.
	proofs map[string]*Equivocation
	order  []*Equivocation
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{
		seen:   make(map[string]*sighting),
		proofs: make(map[string]*Equivocation),
	}
}

// Observe records an authenticated message sighting and returns an
// Equivocation if the sender already issued a different digest for the
// same coordinate. The first conflicting pair is kept; later conflicts
// at the same coordinate return nil.
func (p *Pool) Observe(sender types.ReplicaID, kind types.MsgKind, view types.View, seqno types.Seqno, digest types.Digest, raw []byte) *Equivocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := fmt.Sprintf("%d/%s/%d/%d", sender, kind, view, seqno)

	if _, done := p.proofs[key]; done {
		return nil
	}

	if prev, ok := p.seen[key]; ok {
		if prev.digest.Equal(digest) {
			return nil
		}
		ev := &Equivocation{
			Sender:  sender,
			Kind:    kind,
			View:    view,
			Seqno:   seqno,
			DigestA: prev.digest,
			DigestB: digest,
			RawA:    prev.raw,
			RawB:    append([]byte(nil), raw...),
			Seen:    time.Now(),
		}
		p.proofs[key] = ev
		p.order = append(p.order, ev)
		return ev
	}

	if len(p.seen) >= MaxSeenEntries {
		p.pruneOldestSightings(MaxSeenEntries / 10)
	}

	p.seen[key] = &sighting{
		digest: digest,
		raw:    append([]byte(nil), raw...),
		seqno:  seqno,
	}
	return nil
}

// pruneOldestSightings drops the n sightings with the lowest seqnos.
// Caller must hold p.mu.
func (p *Pool) pruneOldestSightings(n int) {
	for removed := 0; removed < n && len(p.seen) > 0; {
		var minSeqno types.Seqno
		first := true
		for _, s := range p.seen {
			if first || s.seqno < minSeqno {
				minSeqno = s.seqno
				first = false
			}
		}
		for key, s := range p.seen {
			if s.seqno == minSeqno {
				delete(p.seen, key)
				removed++
				if removed >= n {
					break
				}
			}
		}
	}
}

// ReleaseBelow drops sightings for seqnos below the stable low-water
// mark. Proofs are retained.
func (p *Pool) ReleaseBelow(seqno types.Seqno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, s := range p.seen {
		if s.seqno < seqno {
			delete(p.seen, key)
		}
	}
}

// Proofs returns all recorded proofs in recording order
func (p *Pool) Proofs() []*Equivocation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Equivocation, len(p.order))
	copy(out, p.order)
	return out
}

// Size returns the number of recorded proofs
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proofs)
}
