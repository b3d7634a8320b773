package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockberries/byzberry/auth"
	"github.com/blockberries/byzberry/types"
)

// Client errors
var (
	ErrInvokeAborted = errors.New("invoke aborted")
)

// broadcastAfterRetransmits is how many unanswered retransmissions a
// client tolerates before implicating the primary and broadcasting
const broadcastAfterRetransmits = 2

// clientReplyChannelSize buffers replies between Deliver and Invoke
const clientReplyChannelSize = 256

// ClientTransport carries client traffic to replicas
type ClientTransport interface {
	Send(to types.ReplicaID, data []byte) error
	Broadcast(data []byte) error
}

// Client is the request-issuing role: it signs requests, targets the
// primary, retransmits on silence, and accepts a result once a weak
// quorum of replicas agrees on it.
type Client struct {
	id         types.ClientID
	signer     auth.Signer
	principals *types.PrincipalSet
	transport  ClientTransport
	log        zerolog.Logger

	retransmit time.Duration
	nextRID    uint64
	view       types.View

	replyCh chan *types.Reply
}

// NewClient creates a client
func NewClient(id types.ClientID, signer auth.Signer, principals *types.PrincipalSet, transport ClientTransport, retransmit time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		id:         id,
		signer:     signer,
		principals: principals,
		transport:  transport,
		log:        logger.With().Uint64("client", uint64(id)).Logger(),
		retransmit: retransmit,
		nextRID:    1,
		replyCh:    make(chan *types.Reply, clientReplyChannelSize),
	}
}

// PublicKey returns the key replicas must register for this client
func (c *Client) PublicKey() types.PublicKey {
	return c.signer.PublicKey()
}

// Deliver hands a received datagram to the client
func (c *Client) Deliver(data []byte) {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		return
	}
	reply, ok := msg.(*types.Reply)
	if !ok || reply.Client != c.id {
		return
	}
	if err := auth.VerifyReply(c.principals, reply); err != nil {
		c.log.Debug().Err(err).Msg("dropping reply")
		return
	}
	select {
	case c.replyCh <- reply:
	default:
	}
}

// Invoke submits a request and blocks until a weak quorum of replicas
// agrees on the reply, or ctx is done. Read-only requests go to all
// replicas and are answered speculatively.
func (c *Client) Invoke(ctx context.Context, payload []byte, readOnly bool) ([]byte, error) {
	rid := c.nextRID
	c.nextRID++

	req := &types.Request{
		Client:    c.id,
		RequestID: rid,
		Payload:   payload,
		ReadOnly:  readOnly,
	}
	req.Sig = c.signer.Sign(req.SignBytes())

	data, err := types.EncodeMessage(req)
	if err != nil {
		return nil, err
	}

	if readOnly {
		if err := c.transport.Broadcast(data); err != nil {
			return nil, err
		}
	} else if err := c.sendToPrimary(data); err != nil {
		return nil, err
	}

	// Matching replies from distinct replicas; f+1 means at least one
	// correct replica vouches for the result.
	votes := make(map[types.ReplicaID]string)
	counts := make(map[string]int)
	results := make(map[string][]byte)
	need := c.principals.WeakQuorum()

	interval := c.retransmit
	timer := time.NewTimer(interval)
	defer timer.Stop()
	retransmits := 0

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrInvokeAborted, ctx.Err())

		case reply := <-c.replyCh:
			if reply.RequestID != rid {
				continue
			}
			if reply.View > c.view {
				c.view = reply.View
			}
			key := replyMatchKey(reply)
			if prev, ok := votes[reply.Sender]; ok {
				if prev == key {
					continue
				}
				counts[prev]--
			}
			votes[reply.Sender] = key
			counts[key]++
			results[key] = reply.Result
			if counts[key] >= need {
				return results[key], nil
			}

		case <-timer.C:
			retransmits++
			// Back off adaptively; after repeated silence the primary
			// is implicated and everyone gets the request.
			interval *= 2
			if retransmits > broadcastAfterRetransmits || readOnly {
				c.log.Debug().Uint64("rid", rid).Msg("broadcasting request")
				if err := c.transport.Broadcast(data); err != nil {
					return nil, err
				}
			} else {
				c.log.Debug().Uint64("rid", rid).Msg("retransmitting request")
				if err := c.sendToPrimary(data); err != nil {
					return nil, err
				}
			}
			timer.Reset(interval)
		}
	}
}

// sendToPrimary targets the primary of the client's view estimate
func (c *Client) sendToPrimary(data []byte) error {
	return c.transport.Send(c.principals.Primary(c.view), data)
}

// replyMatchKey renders the fields replies must agree on
func replyMatchKey(r *types.Reply) string {
	return fmt.Sprintf("%s/%x", r.StateDigest, r.Result)
}
