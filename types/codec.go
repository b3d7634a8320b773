package types

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Codec errors
var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownKind = errors.New("unknown message kind")
	ErrEmpty       = errors.New("empty message")
)

// EncodeMessage serializes a message with its one-byte kind tag
func EncodeMessage(m Message) ([]byte, error) {
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(m.Kind()))
	return append(out, body...), nil
}

// DecodeMessage parses a kind-tagged message
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	kind := MsgKind(data[0])
	body := data[1:]

	var m Message
	switch kind {
	case KindRequest:
		m = &Request{}
	case KindPrePrepare:
		m = &PrePrepare{}
	case KindPrepare:
		m = &Prepare{}
	case KindCommit:
		m = &Commit{}
	case KindCheckpoint:
		m = &Checkpoint{}
	case KindViewChange:
		m = &ViewChange{}
	case KindNewView:
		m = &NewView{}
	case KindStatus:
		m = &Status{}
	case KindFetch:
		m = &Fetch{}
	case KindFetchReply:
		m = &FetchReply{}
	case KindReply:
		m = &Reply{}
	case KindQueryStable:
		m = &QueryStable{}
	case KindReplyStable:
		m = &ReplyStable{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	if err := unmarshalInto(m, body); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalInto(m Message, body []byte) error {
	switch v := m.(type) {
	case *Request:
		return v.Unmarshal(body)
	case *PrePrepare:
		return v.Unmarshal(body)
	case *Prepare:
		return v.Unmarshal(body)
	case *Commit:
		return v.Unmarshal(body)
	case *Checkpoint:
		return v.Unmarshal(body)
	case *ViewChange:
		return v.Unmarshal(body)
	case *NewView:
		return v.Unmarshal(body)
	case *Status:
		return v.Unmarshal(body)
	case *Fetch:
		return v.Unmarshal(body)
	case *FetchReply:
		return v.Unmarshal(body)
	case *Reply:
		return v.Unmarshal(body)
	case *QueryStable:
		return v.Unmarshal(body)
	case *ReplyStable:
		return v.Unmarshal(body)
	default:
		return ErrUnknownKind
	}
}

// Wire helpers. Zero scalar fields and empty byte fields are omitted;
// they decode back to their zero values.

func putUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func putBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func putBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func putDigest(b []byte, num protowire.Number, d Digest) []byte {
	if d.IsZero() {
		return b
	}
	return putBytes(b, num, d[:])
}

func putSig(b []byte, num protowire.Number, s Signature) []byte {
	if s.IsZero() {
		return b
	}
	return putBytes(b, num, s[:])
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, nil, ErrMalformed
	}
	return v, data[n:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, nil, ErrMalformed
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, data[n:], nil
}

func readDigest(data []byte) (Digest, []byte, error) {
	v, rest, err := readBytes(data)
	if err != nil {
		return Digest{}, nil, err
	}
	d, err := NewDigest(v)
	if err != nil {
		return Digest{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, rest, nil
}

func readSig(data []byte) (Signature, []byte, error) {
	v, rest, err := readBytes(data)
	if err != nil {
		return Signature{}, nil, err
	}
	s, err := NewSignature(v)
	if err != nil {
		return Signature{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, rest, nil
}

func skipField(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, data)
	if n < 0 {
		return nil, ErrMalformed
	}
	return data[n:], nil
}

// Request wire format:
//
//	1 client  2 request_id  3 payload  4 read_only  5 sig

// Marshal serializes the request
func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(r.Client))
	b = putUvarint(b, 2, r.RequestID)
	b = putBytes(b, 3, r.Payload)
	b = putBool(b, 4, r.ReadOnly)
	b = putSig(b, 5, r.Sig)
	return b, nil
}

// Unmarshal parses the request
func (r *Request) Unmarshal(data []byte) error {
	*r = Request{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			r.Client = ClientID(v)
		case num == 2 && typ == protowire.VarintType:
			if r.RequestID, data, err = readUvarint(data); err != nil {
				return err
			}
		case num == 3 && typ == protowire.BytesType:
			if r.Payload, data, err = readBytes(data); err != nil {
				return err
			}
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			r.ReadOnly = v != 0
		case num == 5 && typ == protowire.BytesType:
			if r.Sig, data, err = readSig(data); err != nil {
				return err
			}
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrePrepare wire format:
//
//	1 sender  2 view  3 seqno  4 batch_digest  5 requests (repeated)
//	6 non_det  7 sig  8 macs (repeated)

// Marshal serializes the pre-prepare
func (m *PrePrepare) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.View))
	b = putUvarint(b, 3, uint64(m.Seqno))
	b = putDigest(b, 4, m.BatchDigest)
	for i := range m.Requests {
		rb, err := m.Requests[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	b = putBytes(b, 6, m.NonDet)
	b = putSig(b, 7, m.Sig)
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b, nil
}

// Unmarshal parses the pre-prepare
func (m *PrePrepare) Unmarshal(data []byte) error {
	*m = PrePrepare{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.View = View(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Seqno = Seqno(v)
		case num == 4 && typ == protowire.BytesType:
			if m.BatchDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 5 && typ == protowire.BytesType:
			var rb []byte
			if rb, data, err = readBytes(data); err != nil {
				return err
			}
			var req Request
			if err = req.Unmarshal(rb); err != nil {
				return err
			}
			m.Requests = append(m.Requests, req)
		case num == 6 && typ == protowire.BytesType:
			if m.NonDet, data, err = readBytes(data); err != nil {
				return err
			}
		case num == 7 && typ == protowire.BytesType:
			if m.Sig, data, err = readSig(data); err != nil {
				return err
			}
		case num == 8 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Prepare and Commit share a wire format:
//
//	1 sender  2 view  3 seqno  4 batch_digest  5 sig  6 macs (repeated)

func marshalVote(sender ReplicaID, view View, seqno Seqno, d Digest, sig Signature, macs [][]byte) []byte {
	var b []byte
	b = putUvarint(b, 1, uint64(sender))
	b = putUvarint(b, 2, uint64(view))
	b = putUvarint(b, 3, uint64(seqno))
	b = putDigest(b, 4, d)
	b = putSig(b, 5, sig)
	for _, mac := range macs {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b
}

func unmarshalVote(data []byte, sender *ReplicaID, view *View, seqno *Seqno, d *Digest, sig *Signature, macs *[][]byte) error {
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			*sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			*view = View(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			*seqno = Seqno(v)
		case num == 4 && typ == protowire.BytesType:
			if *d, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 5 && typ == protowire.BytesType:
			if *sig, data, err = readSig(data); err != nil {
				return err
			}
		case num == 6 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			*macs = append(*macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marshal serializes the prepare
func (m *Prepare) Marshal() ([]byte, error) {
	return marshalVote(m.Sender, m.View, m.Seqno, m.BatchDigest, m.Sig, m.Macs), nil
}

// Unmarshal parses the prepare
func (m *Prepare) Unmarshal(data []byte) error {
	*m = Prepare{}
	return unmarshalVote(data, &m.Sender, &m.View, &m.Seqno, &m.BatchDigest, &m.Sig, &m.Macs)
}

// Marshal serializes the commit
func (m *Commit) Marshal() ([]byte, error) {
	return marshalVote(m.Sender, m.View, m.Seqno, m.BatchDigest, m.Sig, m.Macs), nil
}

// Unmarshal parses the commit
func (m *Commit) Unmarshal(data []byte) error {
	*m = Commit{}
	return unmarshalVote(data, &m.Sender, &m.View, &m.Seqno, &m.BatchDigest, &m.Sig, &m.Macs)
}

// Checkpoint wire format:
//
//	1 sender  2 seqno  3 state_digest  4 sig

// Marshal serializes the checkpoint
func (m *Checkpoint) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.Seqno))
	b = putDigest(b, 3, m.StateDigest)
	b = putSig(b, 4, m.Sig)
	return b, nil
}

// Unmarshal parses the checkpoint
func (m *Checkpoint) Unmarshal(data []byte) error {
	*m = Checkpoint{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Seqno = Seqno(v)
		case num == 3 && typ == protowire.BytesType:
			if m.StateDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 4 && typ == protowire.BytesType:
			if m.Sig, data, err = readSig(data); err != nil {
				return err
			}
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// PreparedProof wire format:
//
//	1 seqno  2 view  3 batch_digest  4 senders (repeated)

func (p *PreparedProof) marshal() []byte {
	var b []byte
	b = putUvarint(b, 1, uint64(p.Seqno))
	b = putUvarint(b, 2, uint64(p.View))
	b = putDigest(b, 3, p.BatchDigest)
	for _, s := range p.Senders {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s))
	}
	return b
}

func (p *PreparedProof) unmarshal(data []byte) error {
	*p = PreparedProof{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			p.Seqno = Seqno(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			p.View = View(v)
		case num == 3 && typ == protowire.BytesType:
			if p.BatchDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			p.Senders = append(p.Senders, ReplicaID(v))
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// ViewChange wire format:
//
//	1 sender  2 new_view  3 last_stable  4 stable_proof (repeated)
//	5 prepared (repeated)  6 sig

// Marshal serializes the view-change
func (m *ViewChange) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.NewView))
	b = putUvarint(b, 3, uint64(m.LastStable))
	for i := range m.StableProof {
		cb, err := m.StableProof[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	for i := range m.Prepared {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Prepared[i].marshal())
	}
	b = putSig(b, 6, m.Sig)
	return b, nil
}

// Unmarshal parses the view-change
func (m *ViewChange) Unmarshal(data []byte) error {
	*m = ViewChange{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.NewView = View(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastStable = Seqno(v)
		case num == 4 && typ == protowire.BytesType:
			var cb []byte
			if cb, data, err = readBytes(data); err != nil {
				return err
			}
			var ck Checkpoint
			if err = ck.Unmarshal(cb); err != nil {
				return err
			}
			m.StableProof = append(m.StableProof, ck)
		case num == 5 && typ == protowire.BytesType:
			var pb []byte
			if pb, data, err = readBytes(data); err != nil {
				return err
			}
			var pp PreparedProof
			if err = pp.unmarshal(pb); err != nil {
				return err
			}
			m.Prepared = append(m.Prepared, pp)
		case num == 6 && typ == protowire.BytesType:
			if m.Sig, data, err = readSig(data); err != nil {
				return err
			}
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewView wire format:
//
//	1 sender  2 view  3 view_changes (repeated)  4 pre_prepares (repeated)
//	5 sig

// Marshal serializes the new-view
func (m *NewView) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.View))
	for i := range m.ViewChanges {
		vb, err := m.ViewChanges[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	for i := range m.PrePrepares {
		pb, err := m.PrePrepares[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	b = putSig(b, 5, m.Sig)
	return b, nil
}

// Unmarshal parses the new-view
func (m *NewView) Unmarshal(data []byte) error {
	*m = NewView{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.View = View(v)
		case num == 3 && typ == protowire.BytesType:
			var vb []byte
			if vb, data, err = readBytes(data); err != nil {
				return err
			}
			var vc ViewChange
			if err = vc.Unmarshal(vb); err != nil {
				return err
			}
			m.ViewChanges = append(m.ViewChanges, vc)
		case num == 4 && typ == protowire.BytesType:
			var pb []byte
			if pb, data, err = readBytes(data); err != nil {
				return err
			}
			var pp PrePrepare
			if err = pp.Unmarshal(pb); err != nil {
				return err
			}
			m.PrePrepares = append(m.PrePrepares, pp)
		case num == 5 && typ == protowire.BytesType:
			if m.Sig, data, err = readSig(data); err != nil {
				return err
			}
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status wire format:
//
//	1 sender  2 view  3 last_exec  4 last_committed  5 last_stable
//	6 missing (repeated)  7 macs (repeated)

// Marshal serializes the status summary
func (m *Status) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.View))
	b = putUvarint(b, 3, uint64(m.LastExec))
	b = putUvarint(b, 4, uint64(m.LastCommitted))
	b = putUvarint(b, 5, uint64(m.LastStable))
	for _, s := range m.Missing {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s))
	}
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b, nil
}

// Unmarshal parses the status summary
func (m *Status) Unmarshal(data []byte) error {
	*m = Status{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.View = View(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastExec = Seqno(v)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastCommitted = Seqno(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastStable = Seqno(v)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Missing = append(m.Missing, Seqno(v))
		case num == 7 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fetch wire format:
//
//	1 sender  2 from  3 to  4 target_digest  5 macs (repeated)

// Marshal serializes the fetch
func (m *Fetch) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.From))
	b = putUvarint(b, 3, uint64(m.To))
	b = putDigest(b, 4, m.TargetDigest)
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b, nil
}

// Unmarshal parses the fetch
func (m *Fetch) Unmarshal(data []byte) error {
	*m = Fetch{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.From = Seqno(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.To = Seqno(v)
		case num == 4 && typ == protowire.BytesType:
			if m.TargetDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 5 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// FetchReply wire format:
//
//	1 sender  2 snapshot_seqno  3 snapshot_digest  4 chunks (repeated)
//	5 batches (repeated)  6 macs (repeated)  7 stable_proof (repeated)

// Marshal serializes the fetch reply
func (m *FetchReply) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.SnapshotSeqno))
	b = putDigest(b, 3, m.SnapshotDigest)
	for _, c := range m.SnapshotChunks {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	for i := range m.Batches {
		pb, err := m.Batches[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	for i := range m.StableProof {
		cb, err := m.StableProof[i].Marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b, nil
}

// Unmarshal parses the fetch reply
func (m *FetchReply) Unmarshal(data []byte) error {
	*m = FetchReply{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.SnapshotSeqno = Seqno(v)
		case num == 3 && typ == protowire.BytesType:
			if m.SnapshotDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 4 && typ == protowire.BytesType:
			var c []byte
			if c, data, err = readBytes(data); err != nil {
				return err
			}
			m.SnapshotChunks = append(m.SnapshotChunks, c)
		case num == 5 && typ == protowire.BytesType:
			var pb []byte
			if pb, data, err = readBytes(data); err != nil {
				return err
			}
			var pp PrePrepare
			if err = pp.Unmarshal(pb); err != nil {
				return err
			}
			m.Batches = append(m.Batches, pp)
		case num == 6 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		case num == 7 && typ == protowire.BytesType:
			var cb []byte
			if cb, data, err = readBytes(data); err != nil {
				return err
			}
			var ck Checkpoint
			if err = ck.Unmarshal(cb); err != nil {
				return err
			}
			m.StableProof = append(m.StableProof, ck)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reply wire format:
//
//	1 sender  2 view  3 client  4 request_id  5 state_digest  6 result
//	7 sig

// Marshal serializes the reply
func (m *Reply) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, uint64(m.View))
	b = putUvarint(b, 3, uint64(m.Client))
	b = putUvarint(b, 4, m.RequestID)
	b = putDigest(b, 5, m.StateDigest)
	b = putBytes(b, 6, m.Result)
	b = putSig(b, 7, m.Sig)
	return b, nil
}

// Unmarshal parses the reply
func (m *Reply) Unmarshal(data []byte) error {
	*m = Reply{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.View = View(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Client = ClientID(v)
		case num == 4 && typ == protowire.VarintType:
			if m.RequestID, data, err = readUvarint(data); err != nil {
				return err
			}
		case num == 5 && typ == protowire.BytesType:
			if m.StateDigest, data, err = readDigest(data); err != nil {
				return err
			}
		case num == 6 && typ == protowire.BytesType:
			if m.Result, data, err = readBytes(data); err != nil {
				return err
			}
		case num == 7 && typ == protowire.BytesType:
			if m.Sig, data, err = readSig(data); err != nil {
				return err
			}
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueryStable wire format:
//
//	1 sender  2 nonce  3 macs (repeated)

// Marshal serializes the query
func (m *QueryStable) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, m.Nonce)
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b, nil
}

// Unmarshal parses the query
func (m *QueryStable) Unmarshal(data []byte) error {
	*m = QueryStable{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			if m.Nonce, data, err = readUvarint(data); err != nil {
				return err
			}
		case num == 3 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReplyStable wire format:
//
//	1 sender  2 nonce  3 last_checkpoint  4 last_prepared  5 macs (repeated)

// Marshal serializes the stability report
func (m *ReplyStable) Marshal() ([]byte, error) {
	var b []byte
	b = putUvarint(b, 1, uint64(m.Sender))
	b = putUvarint(b, 2, m.Nonce)
	b = putUvarint(b, 3, uint64(m.LastCheckpoint))
	b = putUvarint(b, 4, uint64(m.LastPrepared))
	for _, mac := range m.Macs {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, mac)
	}
	return b, nil
}

// Unmarshal parses the stability report
func (m *ReplyStable) Unmarshal(data []byte) error {
	*m = ReplyStable{}
	var err error
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.Sender = ReplicaID(v)
		case num == 2 && typ == protowire.VarintType:
			if m.Nonce, data, err = readUvarint(data); err != nil {
				return err
			}
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastCheckpoint = Seqno(v)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			if v, data, err = readUvarint(data); err != nil {
				return err
			}
			m.LastPrepared = Seqno(v)
		case num == 5 && typ == protowire.BytesType:
			var mac []byte
			if mac, data, err = readBytes(data); err != nil {
				return err
			}
			m.Macs = append(m.Macs, mac)
		default:
			if data, err = skipField(num, typ, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// SignBytes / AuthBytes: the encoded message with authenticators cleared.
// The cleared copy shares request and proof slices with the original;
// only auth fields are replaced.

func (m *PrePrepare) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

// AuthBytes is the MAC-vector input; identical to SignBytes
func (m *PrePrepare) AuthBytes() []byte { return m.SignBytes() }

func (m *Prepare) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *Prepare) AuthBytes() []byte { return m.SignBytes() }

func (m *Commit) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *Commit) AuthBytes() []byte { return m.SignBytes() }

func (m *Checkpoint) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	b, _ := cp.Marshal()
	return b
}

func (m *ViewChange) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	b, _ := cp.Marshal()
	return b
}

func (m *NewView) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	b, _ := cp.Marshal()
	return b
}

func (m *Reply) SignBytes() []byte {
	cp := *m
	cp.Sig = Signature{}
	b, _ := cp.Marshal()
	return b
}

func (m *Status) AuthBytes() []byte {
	cp := *m
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *Fetch) AuthBytes() []byte {
	cp := *m
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *FetchReply) AuthBytes() []byte {
	cp := *m
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *QueryStable) AuthBytes() []byte {
	cp := *m
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}

func (m *ReplyStable) AuthBytes() []byte {
	cp := *m
	cp.Macs = nil
	b, _ := cp.Marshal()
	return b
}
