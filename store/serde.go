package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type tags written next to serialized payloads.
const (
	TypeNull       = "null"
	TypeBytes      = "bytes"
	TypeJSON       = "json"
	TypeCheckpoint = "checkpoint"
)

// Serializer turns values into (type, bytes) pairs and back.
type Serializer interface {
	DumpsTyped(v any) (string, []byte, error)
	LoadsTyped(typ string, data []byte) (any, error)
}

// JSONSerializer is the default Serializer. Values whose types are registered
// in its TypeRegistry are wrapped as {"_type": name, "_value": ...}.
type JSONSerializer struct {
	registry *TypeRegistry
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer returns a serializer backed by registry, or by the
// global registry when registry is nil.
func NewJSONSerializer(registry *TypeRegistry) *JSONSerializer {
	if registry == nil {
		registry = GlobalTypeRegistry()
	}
	return &JSONSerializer{registry: registry}
}

type wireCheckpoint struct {
	V               int                         `json:"v"`
	ID              string                      `json:"id"`
	TS              json.RawMessage             `json:"ts"`
	ChannelValues   map[string]any              `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	Next            []string                    `json:"next,omitempty"`
}

func (s *JSONSerializer) DumpsTyped(v any) (string, []byte, error) {
	switch x := v.(type) {
	case nil:
		return TypeNull, nil, nil
	case []byte:
		return TypeBytes, x, nil
	case *Checkpoint:
		return s.dumpCheckpoint(x)
	}

	enc, err := s.registry.encode(v)
	if err != nil {
		return "", nil, err
	}
	data, err := marshalJSON(enc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return TypeJSON, data, nil
}

func (s *JSONSerializer) LoadsTyped(typ string, data []byte) (any, error) {
	switch typ {
	case TypeNull, "":
		if len(data) == 0 {
			return nil, nil
		}
		// Untyped payloads from older rows are treated as JSON.
		return s.loadJSON(data)
	case TypeBytes:
		return data, nil
	case TypeJSON:
		return s.loadJSON(data)
	case TypeCheckpoint:
		return s.loadCheckpoint(data)
	default:
		return nil, fmt.Errorf("unsupported serialization type %q", typ)
	}
}

func (s *JSONSerializer) loadJSON(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return s.registry.decode(raw)
}

func (s *JSONSerializer) dumpCheckpoint(cp *Checkpoint) (string, []byte, error) {
	values, err := s.registry.encode(cp.ChannelValues)
	if err != nil {
		return "", nil, err
	}
	ts, err := cp.TS.MarshalJSON()
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal checkpoint timestamp: %w", err)
	}
	w := wireCheckpoint{
		V:               cp.V,
		ID:              cp.ID,
		TS:              ts,
		ChannelVersions: cp.ChannelVersions,
		VersionsSeen:    cp.VersionsSeen,
		Next:            cp.Next,
	}
	if m, ok := values.(map[string]any); ok {
		w.ChannelValues = m
	}
	data, err := marshalJSON(w)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return TypeCheckpoint, data, nil
}

func (s *JSONSerializer) loadCheckpoint(data []byte) (*Checkpoint, error) {
	var w wireCheckpoint
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	cp := &Checkpoint{
		V:               w.V,
		ID:              w.ID,
		ChannelVersions: w.ChannelVersions,
		VersionsSeen:    w.VersionsSeen,
		Next:            w.Next,
		ChannelValues:   make(map[string]any, len(w.ChannelValues)),
	}
	if len(w.TS) > 0 {
		if err := cp.TS.UnmarshalJSON(w.TS); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint timestamp: %w", err)
		}
	}
	for k, v := range w.ChannelValues {
		dv, err := s.registry.decode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode channel %s: %w", k, err)
		}
		cp.ChannelValues[k] = dv
	}
	if cp.ChannelVersions == nil {
		cp.ChannelVersions = make(map[string]int64)
	}
	if cp.VersionsSeen == nil {
		cp.VersionsSeen = make(map[string]map[string]int64)
	}
	return cp, nil
}

// LoadCheckpoint decodes a checkpoint payload and checks its type.
func LoadCheckpoint(serde Serializer, typ string, data []byte) (*Checkpoint, error) {
	v, err := serde.LoadsTyped(typ, data)
	if err != nil {
		return nil, err
	}
	cp, ok := v.(*Checkpoint)
	if !ok {
		return nil, fmt.Errorf("stored payload of type %q is not a checkpoint", typ)
	}
	return cp, nil
}

// MarshalMetadata encodes metadata as plain JSON.
func MarshalMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		md = Metadata{}
	}
	data, err := marshalJSON(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata decodes metadata; an empty payload yields an empty map.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	md := Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return md, nil
}

// marshalJSON encodes without HTML escaping and without a trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
