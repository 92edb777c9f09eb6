package domain

import (
	"encoding/json"
	"time"
)

// Metadata is the free-form per-message map: attachment descriptors,
// share payloads, system-event markers and unsend tombstone fields.
type Metadata map[string]interface{}

// Metadata keys this core reads or writes. Anything else passes through
// untouched.
const (
	MetaAttachment = "attachment"
	MetaUnsent     = "unsent"
	MetaUnsentBy   = "unsent_by"
	MetaUnsentAt   = "unsent_at"
)

// NormalizeMetadata accepts whatever shape the backend delivered the
// metadata column in. Realtime payloads sometimes carry jsonb as a
// string; row scans deliver []byte or an already-decoded map.
func NormalizeMetadata(v interface{}) Metadata {
	switch m := v.(type) {
	case nil:
		return nil
	case Metadata:
		return m
	case map[string]interface{}:
		return Metadata(m)
	case []byte:
		var out Metadata
		if err := json.Unmarshal(m, &out); err != nil {
			return nil
		}
		return out
	case string:
		var out Metadata
		if err := json.Unmarshal([]byte(m), &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

func (m Metadata) HasAttachment() bool {
	if m == nil {
		return false
	}
	return m[MetaAttachment] != nil
}

func (m Metadata) Unsent() bool {
	if m == nil {
		return false
	}
	b, _ := m[MetaUnsent].(bool)
	return b
}

// Merge deep-merges src into a copy of m. Nested maps merge key-wise so
// a partial tombstone update never clobbers unrelated metadata keys;
// scalar values from src win.
func (m Metadata) Merge(src Metadata) Metadata {
	if m == nil && src == nil {
		return nil
	}
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	for k, v := range src {
		existing, ok := out[k].(map[string]interface{})
		if ok {
			if nested, ok := v.(map[string]interface{}); ok {
				out[k] = map[string]interface{}(Metadata(existing).Merge(Metadata(nested)))
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = map[string]interface{}(Metadata(nested).Clone())
			continue
		}
		out[k] = v
	}
	return out
}

// TombstoneMetadata builds the unsend marker merged into a message's
// metadata when its sender retracts it.
func TombstoneMetadata(actorID string, at time.Time) Metadata {
	return Metadata{
		MetaUnsent:   true,
		MetaUnsentBy: actorID,
		MetaUnsentAt: at.UTC().Format(time.RFC3339Nano),
	}
}
