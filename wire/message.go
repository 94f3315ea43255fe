package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on outbound headers.
const ProtocolVersion = "5.3"

// Delimiter separates routing identities from the signed part of a message.
const Delimiter = "<IDS|MSG>"

// dateLayout matches the microsecond ISO-8601 timestamps kernels emit.
const dateLayout = "2006-01-02T15:04:05.000000Z07:00"

// Channel names one of the five kernel sockets.
type Channel string

// Kernel channels.
const (
	Shell     Channel = "shell"
	Control   Channel = "control"
	IOPub     Channel = "iopub"
	Stdin     Channel = "stdin"
	Heartbeat Channel = "hb"
)

// Header identifies a message. The zero Header is the empty parent header.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

// IsZero reports whether h is the empty header.
func (h Header) IsZero() bool {
	return h == Header{}
}

// Timestamp parses the header date.
func (h Header) Timestamp() (time.Time, error) {
	if h.Date == "" {
		return time.Time{}, fmt.Errorf("header %s has no date", h.MsgID)
	}
	return time.Parse(time.RFC3339Nano, h.Date)
}

// Message is one protocol message.
type Message struct {
	// Identities are the ZeroMQ routing prefix frames. They are not signed
	// and are only meaningful on ROUTER/DEALER sockets.
	Identities [][]byte

	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
	Buffers      [][]byte
}

// New builds a message of the given type with a fresh id and the current
// time. content is marshaled to JSON; nil yields an empty object.
func New(msgType string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:   uuid.NewString(),
			Date:    Now(),
			MsgType: msgType,
			Version: ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// Reply builds a message caused by m: its parent header is m's header and
// it inherits m's session, username and identities.
func (m *Message) Reply(msgType string, content any) (*Message, error) {
	reply, err := New(msgType, content)
	if err != nil {
		return nil, err
	}
	reply.Header.Session = m.Header.Session
	reply.Header.Username = m.Header.Username
	reply.ParentHeader = m.Header
	reply.Identities = m.Identities
	return reply, nil
}

// ID returns the message id.
func (m *Message) ID() string {
	return m.Header.MsgID
}

// Type returns the message type.
func (m *Message) Type() string {
	return m.Header.MsgType
}

// ParentID returns the id of the message that caused m, or "".
func (m *Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// DecodeContent unmarshals the content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// Now returns the current UTC time formatted for a header date.
func Now() string {
	return time.Now().UTC().Format(dateLayout)
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(c) == 0 {
			return json.RawMessage("{}"), nil
		}
		return c, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return data, nil
}
