// Package wire encodes the frames and control messages exchanged between
// lobby peers using the protobuf wire format.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message type tags.
const (
	TypeHello         = "transport.hello"
	TypeHostMigration = "lobby.host_migration"
	TypeSnapshot      = "lobby.snapshot"
)

// ErrMalformed is returned for any payload that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Frame is the envelope carried by every transport.
type Frame struct {
	Type    string
	From    string
	Payload []byte
}

// Frame field numbers.
const (
	frameType    protowire.Number = 1
	frameFrom    protowire.Number = 2
	framePayload protowire.Number = 3
)

// MarshalFrame encodes f.
func MarshalFrame(f Frame) []byte {
	var b []byte
	b = appendString(b, frameType, f.Type)
	b = appendString(b, frameFrom, f.From)
	b = appendBytes(b, framePayload, f.Payload)
	return b
}

// UnmarshalFrame decodes a frame produced by MarshalFrame.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case frameType:
			f.Type = string(v)
		case frameFrom:
			f.From = string(v)
		case framePayload:
			f.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing type: %w", ErrMalformed)
	}
	return f, nil
}

// Hello is the first frame a client sends after connecting.
type Hello struct {
	Peer string
}

// MarshalHello encodes h.
func MarshalHello(h Hello) []byte {
	return appendString(nil, 1, h.Peer)
}

// UnmarshalHello decodes a Hello.
func UnmarshalHello(b []byte) (Hello, error) {
	var h Hello
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		if num == 1 {
			h.Peer = string(v)
		}
		return nil
	})
	if err != nil {
		return Hello{}, fmt.Errorf("decoding hello: %w", err)
	}
	if h.Peer == "" {
		return Hello{}, fmt.Errorf("decoding hello: missing peer: %w", ErrMalformed)
	}
	return h, nil
}

// HostMigration announces the successor of a departed host.
type HostMigration struct {
	NewHost   string
	Code      string
	SessionID string
	Address   string
	// Epoch is the roster epoch the successor elected itself from.
	Epoch uint64
}

// MarshalHostMigration encodes m.
func MarshalHostMigration(m HostMigration) []byte {
	var b []byte
	b = appendString(b, 1, m.NewHost)
	b = appendString(b, 2, m.Code)
	b = appendString(b, 3, m.SessionID)
	b = appendString(b, 4, m.Address)
	b = appendVarint(b, 5, m.Epoch)
	return b
}

// UnmarshalHostMigration decodes a HostMigration.
func UnmarshalHostMigration(b []byte) (HostMigration, error) {
	var m HostMigration
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			m.NewHost = string(v)
		case 2:
			m.Code = string(v)
		case 3:
			m.SessionID = string(v)
		case 4:
			m.Address = string(v)
		case 5:
			m.Epoch = n
		}
		return nil
	})
	if err != nil {
		return HostMigration{}, fmt.Errorf("decoding host migration: %w", err)
	}
	if m.NewHost == "" {
		return HostMigration{}, fmt.Errorf("decoding host migration: missing new host: %w", ErrMalformed)
	}
	return m, nil
}

// Entity is one migratable entity of a snapshot.
type Entity struct {
	ID    string
	Kind  string
	Owner string
	State []byte
}

// Ownership maps a member to the entity it controls.
type Ownership struct {
	Member string
	Entity string
}

// Snapshot carries a host's transfer snapshot to its successor candidate.
type Snapshot struct {
	SessionID string
	Host      string
	Sequence  uint64
	// CapturedAt is Unix nanoseconds.
	CapturedAt int64
	Entities   []Entity
	Ownership  []Ownership
}

// MarshalSnapshot encodes s.
func MarshalSnapshot(s Snapshot) []byte {
	var b []byte
	b = appendString(b, 1, s.SessionID)
	b = appendString(b, 2, s.Host)
	b = appendVarint(b, 3, s.Sequence)
	b = appendVarint(b, 4, uint64(s.CapturedAt))
	for _, e := range s.Entities {
		var eb []byte
		eb = appendString(eb, 1, e.ID)
		eb = appendString(eb, 2, e.Kind)
		eb = appendString(eb, 3, e.Owner)
		eb = appendBytes(eb, 4, e.State)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	for _, o := range s.Ownership {
		var ob []byte
		ob = appendString(ob, 1, o.Member)
		ob = appendString(ob, 2, o.Entity)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, ob)
	}
	return b
}

// UnmarshalSnapshot decodes a Snapshot.
func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			s.SessionID = string(v)
		case 2:
			s.Host = string(v)
		case 3:
			s.Sequence = n
		case 4:
			s.CapturedAt = int64(n)
		case 5:
			e, err := unmarshalEntity(v)
			if err != nil {
				return err
			}
			s.Entities = append(s.Entities, e)
		case 6:
			var o Ownership
			if err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				switch num {
				case 1:
					o.Member = string(v)
				case 2:
					o.Entity = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			s.Ownership = append(s.Ownership, o)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return s, nil
}

func unmarshalEntity(b []byte) (Entity, error) {
	var e Entity
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			e.ID = string(v)
		case 2:
			e.Kind = string(v)
		case 3:
			e.Owner = string(v)
		case 4:
			e.State = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Entity{}, err
	}
	if e.ID == "" {
		return Entity{}, fmt.Errorf("entity without id: %w", ErrMalformed)
	}
	return e, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walk visits every field of b. Length-delimited fields are passed as v,
// varints as n; other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tn))
		}
		b = b[tn:]

		switch typ {
		case protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(vn))
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[vn:]
		case protowire.VarintType:
			n, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(vn))
			}
			if err := visit(num, typ, nil, n); err != nil {
				return err
			}
			b = b[vn:]
		default:
			vn := protowire.ConsumeFieldValue(num, typ, b)
			if vn < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(vn))
			}
			b = b[vn:]
		}
	}
	return nil
}
