package types

import (
	"errors"
	"fmt"
)

// ReplicaID identifies a replica within the principal set, in [0, n)
type ReplicaID uint32

// ClientID identifies a client principal
type ClientID uint64

// View is a monotonically increasing epoch with a single primary
type View uint64

// Seqno is the ordinal position assigned to a batch by the primary
type Seqno uint64

// Errors
var (
	ErrWrongReplicaCount = errors.New("replica count does not match 3f+1")
	ErrDuplicateReplica  = errors.New("duplicate replica id")
	ErrReplicaIDOutOfSet = errors.New("replica id outside [0, n)")
	ErrUnknownReplica    = errors.New("unknown replica")
)

// Principal is a protocol participant with a stable identity and keys.
// The MacKey is the pairwise key this node shares with the principal.
type Principal struct {
	ID        ReplicaID
	PublicKey PublicKey
	MacKey    MacKey
}

// PrincipalSet is the fixed set of n = 3f+1 replicas and the quorum
// arithmetic over it. It is immutable after construction.
type PrincipalSet struct {
	f          int
	principals []*Principal
}

// NewPrincipalSet builds a PrincipalSet from the configured principals.
// It requires exactly 3f+1 entries with ids covering [0, n) exactly once.
func NewPrincipalSet(f int, principals []*Principal) (*PrincipalSet, error) {
	if f < 0 {
		return nil, fmt.Errorf("negative f: %d", f)
	}
	n := 3*f + 1
	if len(principals) != n {
		return nil, fmt.Errorf("%w: f=%d wants %d replicas, got %d", ErrWrongReplicaCount, f, n, len(principals))
	}

	ordered := make([]*Principal, n)
	for _, p := range principals {
		if int(p.ID) >= n {
			return nil, fmt.Errorf("%w: id %d with n=%d", ErrReplicaIDOutOfSet, p.ID, n)
		}
		if ordered[p.ID] != nil {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicateReplica, p.ID)
		}
		cp := *p
		ordered[p.ID] = &cp
	}

	return &PrincipalSet{f: f, principals: ordered}, nil
}

// F returns the number of tolerated faulty replicas
func (ps *PrincipalSet) F() int {
	return ps.f
}

// N returns the total number of replicas, 3f+1
func (ps *PrincipalSet) N() int {
	return len(ps.principals)
}

// Primary returns the primary replica of a view, view mod n
func (ps *PrincipalSet) Primary(v View) ReplicaID {
	return ReplicaID(uint64(v) % uint64(len(ps.principals)))
}

// QuorumSize returns the strong quorum threshold, 2f+1
func (ps *PrincipalSet) QuorumSize() int {
	return 2*ps.f + 1
}

// WeakQuorum returns the weak quorum threshold, f+1, which guarantees at
// least one correct replica among the voters
func (ps *PrincipalSet) WeakQuorum() int {
	return ps.f + 1
}

// ByID returns the principal with the given id, or an error if the id is
// outside the set
func (ps *PrincipalSet) ByID(id ReplicaID) (*Principal, error) {
	if int(id) >= len(ps.principals) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	return ps.principals[id], nil
}

// Contains returns true if id is within the set
func (ps *PrincipalSet) Contains(id ReplicaID) bool {
	return int(id) < len(ps.principals)
}

// IDs returns all replica ids in ascending order
func (ps *PrincipalSet) IDs() []ReplicaID {
	ids := make([]ReplicaID, len(ps.principals))
	for i := range ps.principals {
		ids[i] = ReplicaID(i)
	}
	return ids
}
