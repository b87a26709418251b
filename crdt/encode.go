package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format. Updates and state vectors are length-delimited varint
// streams with a leading version byte, so either side can reject unknown
// encodings outright instead of misparsing them.

const (
	updateVersion      = 0x01
	stateVectorVersion = 0x02
)

var ErrMalformedUpdate = errors.New("malformed update")
var ErrMalformedStateVector = errors.New("malformed state vector")

// StateVector maps replica id to the highest op Seq contained.
type StateVector map[uint32]uint32

func (self StateVector) Clone() StateVector {
	out := StateVector{}
	for replica, seq := range self {
		out[replica] = seq
	}
	return out
}

// Contains reports whether an op with the given id is summarized.
func (self StateVector) Contains(id ID) bool {
	return id.Seq <= self[id.Replica]
}

func (self StateVector) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(stateVectorVersion)
	writeUvarint(&buf, uint64(len(self)))
	for replica, seq := range self {
		writeUvarint(&buf, uint64(replica))
		writeUvarint(&buf, uint64(seq))
	}
	return buf.Bytes()
}

func DecodeStateVector(b []byte) (StateVector, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil || version != stateVectorVersion {
		return nil, ErrMalformedStateVector
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformedStateVector
	}
	sv := StateVector{}
	for i := uint64(0); i < n; i += 1 {
		replica, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedStateVector
		}
		seq, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedStateVector
		}
		sv[uint32(replica)] = uint32(seq)
	}
	if 0 < r.Len() {
		return nil, ErrMalformedStateVector
	}
	return sv, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	buf.Write(scratch[:n])
}

func encodeOps(ops []op) []byte {
	var buf bytes.Buffer
	buf.WriteByte(updateVersion)
	writeUvarint(&buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(byte(o.typ))
		writeUvarint(&buf, uint64(o.id.Replica))
		writeUvarint(&buf, uint64(o.id.Seq))
		writeUvarint(&buf, uint64(o.clock))
		switch o.typ {
		case opInsert:
			writeUvarint(&buf, uint64(o.origin.Replica))
			writeUvarint(&buf, uint64(o.origin.Seq))
			writeUvarint(&buf, uint64(o.ch))
		case opDelete:
			writeUvarint(&buf, uint64(o.target.Replica))
			writeUvarint(&buf, uint64(o.target.Seq))
		}
	}
	return buf.Bytes()
}

func decodeOps(b []byte) ([]op, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil || version != updateVersion {
		return nil, ErrMalformedUpdate
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformedUpdate
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i += 1 {
		typ, err := r.ReadByte()
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		o := op{typ: opType(typ)}
		id, err := readID(r)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		o.id = id
		if o.id.Replica == 0 || o.id.Seq == 0 {
			return nil, fmt.Errorf("%w: reserved op id %s", ErrMalformedUpdate, o.id)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil || clock == 0 {
			return nil, fmt.Errorf("%w: op %s without clock", ErrMalformedUpdate, o.id)
		}
		o.clock = uint32(clock)
		switch o.typ {
		case opInsert:
			if o.origin, err = readID(r); err != nil {
				return nil, ErrMalformedUpdate
			}
			ch, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, ErrMalformedUpdate
			}
			o.ch = rune(ch)
		case opDelete:
			if o.target, err = readID(r); err != nil {
				return nil, ErrMalformedUpdate
			}
			if o.target.IsZero() {
				return nil, fmt.Errorf("%w: delete without target", ErrMalformedUpdate)
			}
		default:
			return nil, fmt.Errorf("%w: unknown op type %d", ErrMalformedUpdate, typ)
		}
		ops = append(ops, o)
	}
	if 0 < r.Len() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return ops, nil
}

func readID(r *bytes.Reader) (ID, error) {
	replica, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, err
	}
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, err
	}
	return ID{Replica: uint32(replica), Seq: uint32(seq)}, nil
}
