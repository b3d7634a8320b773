package engine

import (
	"fmt"

	"github.com/blockberries/byzberry/types"
)

// CertVote is the constraint on certificate vote types
type CertVote interface {
	// VoteSender returns the replica that cast the vote
	VoteSender() types.ReplicaID
	// VoteKey returns the payload identity; votes with equal keys match
	VoteKey() string
}

// Certificate collects matching votes from distinct senders up to a
// threshold. One vote per sender is admitted; a second vote from the
// same sender with a different payload is rejected and reported as a
// conflict. Once some payload reaches the threshold the certificate is
// complete: its winning payload is fixed, later votes are admitted only
// for that payload, and it fires at most once.
type Certificate[V CertVote] struct {
	threshold int
	votes     map[types.ReplicaID]V
	byKey     map[string][]V
	complete  bool
	valueKey  string
	mine      *V
	fired     bool
}

// NewCertificate creates a certificate with the given completion
// threshold
func NewCertificate[V CertVote](threshold int) *Certificate[V] {
	return &Certificate[V]{
		threshold: threshold,
		votes:     make(map[types.ReplicaID]V),
		byKey:     make(map[string][]V),
	}
}

// Add delivers a vote. mine marks this replica's own vote so higher
// layers can recover it later. It returns true if the vote was
// admitted; ErrDuplicate for a repeat of an existing vote,
// ErrConflictingDigest for a conflicting one, and ErrCertComplete once
// the certificate has completed on a different payload.
func (c *Certificate[V]) Add(vote V, mine bool) (bool, error) {
	sender := vote.VoteSender()
	key := vote.VoteKey()

	if prev, ok := c.votes[sender]; ok {
		if prev.VoteKey() == key {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("%w: replica %d voted %q then %q", ErrConflictingDigest, sender, prev.VoteKey(), key)
	}

	if c.complete && key != c.valueKey {
		return false, ErrCertComplete
	}

	c.votes[sender] = vote
	c.byKey[key] = append(c.byKey[key], vote)
	if mine {
		c.mine = &vote
	}

	if !c.complete && len(c.byKey[key]) >= c.threshold {
		c.complete = true
		c.valueKey = key
	}
	return true, nil
}

// IsComplete reports whether some payload has reached the threshold
func (c *Certificate[V]) IsComplete() bool {
	return c.complete
}

// Fire consumes the one-shot completion edge: it returns true exactly
// once, on the first call after the certificate completes.
func (c *Certificate[V]) Fire() bool {
	if !c.complete || c.fired {
		return false
	}
	c.fired = true
	return true
}

// Value returns the votes for the winning payload; nil until complete
func (c *Certificate[V]) Value() []V {
	if !c.complete {
		return nil
	}
	out := make([]V, len(c.byKey[c.valueKey]))
	copy(out, c.byKey[c.valueKey])
	return out
}

// ValueKey returns the winning payload key; empty until complete
func (c *Certificate[V]) ValueKey() string {
	if !c.complete {
		return ""
	}
	return c.valueKey
}

// Mine returns this replica's own vote, if tagged on Add
func (c *Certificate[V]) Mine() (V, bool) {
	if c.mine == nil {
		var zero V
		return zero, false
	}
	return *c.mine, true
}

// Count returns the number of votes for a payload key
func (c *Certificate[V]) Count(key string) int {
	return len(c.byKey[key])
}

// Senders returns the voters for a payload key in insertion order
func (c *Certificate[V]) Senders(key string) []types.ReplicaID {
	votes := c.byKey[key]
	out := make([]types.ReplicaID, len(votes))
	for i, v := range votes {
		out[i] = v.VoteSender()
	}
	return out
}

// Has reports whether sender has voted
func (c *Certificate[V]) Has(sender types.ReplicaID) bool {
	_, ok := c.votes[sender]
	return ok
}

// Size returns the number of admitted votes across all payloads
func (c *Certificate[V]) Size() int {
	return len(c.votes)
}

// IsEmpty reports whether the certificate holds no votes
func (c *Certificate[V]) IsEmpty() bool {
	return len(c.votes) == 0
}
