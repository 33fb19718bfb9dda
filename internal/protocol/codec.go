package protocol

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted integer keys put the
// version at key 0 first on the wire, and floats use the shortest lossless
// width.
var encMode cbor.EncMode

// decMode ignores unknown keys. Untyped maps (State.Extra) decode as
// map[string]any.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encodes and decodes messages for one protocol version. The zero
// value speaks Version.
type Codec struct {
	version int
}

// NewCodec returns a codec that stamps and expects version v.
func NewCodec(v int) Codec { return Codec{version: v} }

func (c Codec) Version() int {
	if c.version == 0 {
		return Version
	}
	return c.version
}

func (c Codec) EncodeHello(m HelloMsg) ([]byte, error) {
	m.Version, m.Type = c.Version(), TypeHello
	return encMode.Marshal(m)
}

func (c Codec) EncodeAction(m ActionMsg) ([]byte, error) {
	m.Version, m.Type = c.Version(), TypeAction
	return encMode.Marshal(m)
}

func (c Codec) EncodeObservation(m ObservationMsg) ([]byte, error) {
	m.Version, m.Type = c.Version(), TypeObservation
	return encMode.Marshal(m)
}

// envelope is the first decoding pass: every top-level key with its value
// left encoded, so presence can be checked before typed decoding. Keys are
// untyped so extensions with non-integer keys still decode.
type envelope map[any]cbor.RawMessage

func (e envelope) get(k uint64) (cbor.RawMessage, bool) {
	raw, ok := e[k]
	return raw, ok
}

const (
	keyVersion = 0
	keyType    = 1
)

// decodeBase checks the version and returns the routing header. A missing
// or mistyped version is malformed; any other version is a mismatch.
func (c Codec) decodeBase(data []byte) (BaseMessage, envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return BaseMessage{}, nil, malformed("not a message map: %v", err)
	}
	raw, ok := env.get(keyVersion)
	if !ok {
		return BaseMessage{}, nil, malformed("missing version")
	}
	var base BaseMessage
	if err := decMode.Unmarshal(raw, &base.Version); err != nil {
		return BaseMessage{}, nil, malformed("version: %v", err)
	}
	if base.Version != c.Version() {
		return base, nil, versionMismatch(base.Version, c.Version())
	}
	raw, ok = env.get(keyType)
	if !ok {
		return base, nil, malformed("missing type")
	}
	if err := decMode.Unmarshal(raw, &base.Type); err != nil {
		return base, nil, malformed("type: %v", err)
	}
	return base, env, nil
}

// Decode decodes any message. The result is a HelloMsg, ActionMsg or
// ObservationMsg value.
func (c Codec) Decode(data []byte) (Message, error) {
	base, env, err := c.decodeBase(data)
	if err != nil {
		return nil, err
	}
	switch base.Type {
	case TypeHello:
		var m HelloMsg
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAction:
		if err := env.require(TypeAction, 2); err != nil {
			return nil, err
		}
		var m ActionMsg
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeObservation:
		if err := env.require(TypeObservation, 2, 3); err != nil {
			return nil, err
		}
		if raw, ok := env.get(7); ok {
			if err := requireFrame(raw); err != nil {
				return nil, err
			}
		}
		var m ObservationMsg
		if err := decodeBody(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, malformed("unknown message type %q", base.Type)
	}
}

func (c Codec) DecodeHello(data []byte) (HelloMsg, error) {
	m, err := c.Decode(data)
	if err != nil {
		return HelloMsg{}, err
	}
	h, ok := m.(HelloMsg)
	if !ok {
		return HelloMsg{}, malformed("expected %s, got %s", TypeHello, m.MessageType())
	}
	return h, nil
}

func (c Codec) DecodeAction(data []byte) (ActionMsg, error) {
	m, err := c.Decode(data)
	if err != nil {
		return ActionMsg{}, err
	}
	a, ok := m.(ActionMsg)
	if !ok {
		return ActionMsg{}, malformed("expected %s, got %s", TypeAction, m.MessageType())
	}
	return a, nil
}

func (c Codec) DecodeObservation(data []byte) (ObservationMsg, error) {
	m, err := c.Decode(data)
	if err != nil {
		return ObservationMsg{}, err
	}
	o, ok := m.(ObservationMsg)
	if !ok {
		return ObservationMsg{}, malformed("expected %s, got %s", TypeObservation, m.MessageType())
	}
	return o, nil
}

func (e envelope) require(typ string, keys ...uint64) error {
	for _, k := range keys {
		if _, ok := e.get(k); !ok {
			return malformed("%s: missing required key %d", typ, k)
		}
	}
	return nil
}

func requireFrame(raw cbor.RawMessage) error {
	var fe envelope
	if err := decMode.Unmarshal(raw, &fe); err != nil {
		return malformed("frame: %v", err)
	}
	return fe.require("frame", 1, 2, 3, 5)
}

func decodeBody(data []byte, v Message) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return malformed("%s: %v", v.MessageType(), err)
	}
	return nil
}
