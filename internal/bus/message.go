package bus

import (
	"encoding/json"
	"strconv"
)

// Kind tags the payload carried by a Message.
type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindLedger Kind = "ledger"
)

// FileRef points at a blob published by Owner.
type FileRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MIME  string `json:"mime,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// Message is a delivered or published bus message. Immutable once published.
type Message struct {
	ID          string
	Topic       string
	From        string
	Text        string
	TimestampMs int64
	Kind        Kind
	File        *FileRef
	Metadata    map[string]string

	// Raw is set when the payload was not a JSON envelope and Text holds
	// the payload verbatim.
	Raw bool
}

// Outgoing is what a caller hands to Publish.
type Outgoing struct {
	ID       string
	Text     string
	Kind     Kind
	File     *FileRef
	Metadata map[string]string
}

// Metadata keys
const (
	MetaSenderName = "senderName"
)

// reserved envelope keys; metadata may not shadow them.
var reserved = map[string]bool{
	"id":          true,
	"text":        true,
	"timestampMs": true,
	"timestamp":   true,
	"kind":        true,
	"file":        true,
}

// encodeEnvelope renders {id, text, timestampMs, kind?, file?, ...metadata}.
func encodeEnvelope(m Message) ([]byte, error) {
	env := make(map[string]any, len(m.Metadata)+5)
	for k, v := range m.Metadata {
		if !reserved[k] {
			env[k] = v
		}
	}
	env["id"] = m.ID
	env["text"] = m.Text
	env["timestampMs"] = m.TimestampMs
	if m.Kind != "" && m.Kind != KindText {
		env["kind"] = m.Kind
	}
	if m.File != nil {
		env["file"] = m.File
	}
	return json.Marshal(env)
}

// decodeEnvelope parses an inbound payload. Anything that is not a JSON
// object is returned as a raw text message.
func decodeEnvelope(data []byte) Message {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || env == nil {
		return Message{Text: string(data), Kind: KindText, Raw: true}
	}

	m := Message{Kind: KindText}
	_ = json.Unmarshal(env["id"], &m.ID)
	_ = json.Unmarshal(env["text"], &m.Text)
	if raw, ok := env["timestampMs"]; ok {
		m.TimestampMs = parseMillis(raw)
	} else if raw, ok := env["timestamp"]; ok {
		m.TimestampMs = parseMillis(raw)
	}
	if raw, ok := env["kind"]; ok {
		var k string
		if json.Unmarshal(raw, &k) == nil && k != "" {
			m.Kind = Kind(k)
		}
	}
	if raw, ok := env["file"]; ok {
		var f FileRef
		if json.Unmarshal(raw, &f) == nil && f.ID != "" {
			m.File = &f
		}
	}

	for k, raw := range env {
		if reserved[k] {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata[k] = s
	}
	return m
}

// parseMillis accepts a JSON number or a numeric string.
func parseMillis(raw json.RawMessage) int64 {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}
