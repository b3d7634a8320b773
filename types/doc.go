// Package types defines the value types and wire messages of the
// replication protocol.
//
// # Identity
//
// Replicas are numbered [0, n) with n = 3f+1; PrincipalSet owns the
// quorum arithmetic (Primary, QuorumSize = 2f+1, WeakQuorum = f+1).
// Clients are identified by ClientID; a request's unique identity is
// (ClientID, RequestID).
//
// # Messages
//
// Every protocol message implements Message and has an explicit
// Marshal/Unmarshal pair over the protobuf wire format
// (google.golang.org/protobuf/encoding/protowire). EncodeMessage
// prepends a one-byte kind tag; DecodeMessage dispatches on it.
// decode(encode(m)) == m holds for every well-formed message.
//
// # Authentication
//
// Messages are authenticated either with an Ed25519 signature (Signed)
// or a MAC vector carrying one truncated tag per replica
// (MacAuthenticated). SignBytes/AuthBytes return the encoding with
// authenticators cleared; package auth fills and checks them.
package types
