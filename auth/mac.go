package auth

import (
	"golang.org/x/crypto/blake2b"

	"github.com/blockberries/byzberry/types"
)

// macTag computes the truncated keyed-BLAKE2b tag over msg
func macTag(key types.MacKey, msg []byte) []byte {
	h, err := blake2b.New(types.MacTagSize, key[:])
	if err != nil {
		panic("blake2b mac: " + err.Error())
	}
	h.Write(msg)
	return h.Sum(nil)
}

// NewMacVector builds a MAC vector over msg: one tag per replica id,
// each computed with the key the sender shares with that replica.
func NewMacVector(principals *types.PrincipalSet, msg []byte) [][]byte {
	macs := make([][]byte, principals.N())
	for i := range macs {
		p, err := principals.ByID(types.ReplicaID(i))
		if err != nil {
			panic("principal set iteration cannot fail: " + err.Error())
		}
		macs[i] = macTag(p.MacKey, msg)
	}
	return macs
}

// VerifyMacEntry checks the tag addressed to self in a MAC vector, using
// the key self shares with the sender.
func VerifyMacEntry(key types.MacKey, self types.ReplicaID, macs [][]byte, msg []byte) bool {
	if int(self) >= len(macs) {
		return false
	}
	want := macTag(key, msg)
	return types.MacTagEqual(macs[self], want)
}
