package wire

import (
	"bytes"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sync"
)

// signedParts is the number of JSON frames covered by the digest.
const signedParts = 4

var emptyObject = []byte("{}")

// Codec encodes, signs, decodes and verifies messages for one connection.
// It is safe for concurrent use.
type Codec struct {
	scheme string
	key    []byte
	hashFn HashFunc

	// hmac state is not reusable across goroutines; pool the instances
	macPool sync.Pool
}

// NewCodec creates a codec for the named scheme and key. An empty scheme
// selects DefaultScheme. An empty key disables signing: outbound digests are
// empty and inbound digests are not checked.
func NewCodec(scheme string, key []byte) (*Codec, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	fn, ok := lookupScheme(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	c := &Codec{
		scheme: scheme,
		key:    append([]byte(nil), key...),
		hashFn: fn,
	}
	c.macPool.New = func() any {
		return hmac.New(c.hashFn, c.key)
	}
	return c, nil
}

// Scheme returns the signature scheme name.
func (c *Codec) Scheme() string {
	return c.scheme
}

// Signing reports whether messages are signed.
func (c *Codec) Signing() bool {
	return len(c.key) > 0
}

// Sign returns the hex digest over the given frames, or nil when signing is
// disabled.
func (c *Codec) Sign(parts ...[]byte) []byte {
	if !c.Signing() {
		return nil
	}
	mac := c.macPool.Get().(hash.Hash)
	defer c.macPool.Put(mac)
	mac.Reset()
	for _, p := range parts {
		_, _ = mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Verify checks sig against the given frames in constant time.
func (c *Codec) Verify(sig []byte, parts ...[]byte) error {
	if !c.Signing() {
		return nil
	}
	want := c.Sign(parts...)
	if !hmac.Equal(bytes.ToLower(sig), want) {
		return ErrSignatureMismatch
	}
	return nil
}

// Encode returns the signed frames of m: digest, header, parent header,
// metadata, content, then buffers verbatim. Identities and the delimiter
// are not included; see Frames.
func (c *Codec) Encode(m *Message) ([][]byte, error) {
	header, err := encodeHeader(m.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := encodeHeader(m.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent header: %w", err)
	}
	metadata := emptyObject
	if len(m.Metadata) > 0 {
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	content := []byte(m.Content)
	if len(content) == 0 {
		content = emptyObject
	}

	frames := make([][]byte, 0, 1+signedParts+len(m.Buffers))
	frames = append(frames, c.Sign(header, parent, metadata, content))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, m.Buffers...)
	return frames, nil
}

// Frames returns the complete multipart message for a socket: identities,
// delimiter, then the output of Encode.
func (c *Codec) Frames(m *Message) ([][]byte, error) {
	body, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(m.Identities)+1+len(body))
	frames = append(frames, m.Identities...)
	frames = append(frames, []byte(Delimiter))
	return append(frames, body...), nil
}

// DecodeFrames parses a multipart message as read from a socket: routing
// identities, the delimiter, then the frames Decode expects. Only the first
// delimiter splits the message, so buffers may hold any bytes.
func (c *Codec) DecodeFrames(frames [][]byte) (*Message, error) {
	i := delimiterIndex(frames)
	if i < 0 {
		return nil, fmt.Errorf("%w: no %s delimiter", ErrMalformedMessage, Delimiter)
	}
	m, err := c.Decode(frames[i+1:])
	if err != nil {
		return nil, err
	}
	if i > 0 {
		m.Identities = frames[:i]
	}
	return m, nil
}

// Decode is the inverse of Encode. frames start with the digest; no frame is
// treated as a delimiter. The digest is verified before any JSON is parsed.
func (c *Codec) Decode(frames [][]byte) (*Message, error) {
	if len(frames) < 1+signedParts {
		return nil, fmt.Errorf("%w: %d frames, need at least %d",
			ErrMalformedMessage, len(frames), 1+signedParts)
	}

	signed := frames[1 : 1+signedParts]
	if err := c.Verify(frames[0], signed...); err != nil {
		return nil, err
	}

	m := &Message{}
	if err := decodeHeader(signed[0], &m.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedMessage, err)
	}
	if err := decodeHeader(signed[1], &m.ParentHeader); err != nil {
		return nil, fmt.Errorf("%w: parent header: %v", ErrMalformedMessage, err)
	}
	metadata, err := decodeObject(signed[2])
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformedMessage, err)
	}
	m.Metadata = metadata

	content := signed[3]
	if len(content) == 0 {
		content = emptyObject
	} else if !json.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid JSON", ErrMalformedMessage)
	}
	m.Content = append(json.RawMessage(nil), content...)

	if extra := frames[1+signedParts:]; len(extra) > 0 {
		m.Buffers = make([][]byte, len(extra))
		for i, b := range extra {
			m.Buffers[i] = append([]byte{}, b...)
		}
	}
	return m, nil
}

func delimiterIndex(frames [][]byte) int {
	for i, f := range frames {
		if string(f) == Delimiter {
			return i
		}
	}
	return -1
}

func encodeHeader(h Header) ([]byte, error) {
	if h.IsZero() {
		return emptyObject, nil
	}
	return json.Marshal(h)
}

func decodeHeader(data []byte, h *Header) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, h)
}

// decodeObject parses a JSON object keeping numbers as json.Number so that
// re-encoding yields the same text.
func decodeObject(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
