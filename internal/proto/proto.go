// Package proto implements the wire envelope and line-delimited JSON codec
// every node speaks: {src, dest, body}, with the body's type-discriminated
// payload fields flattened alongside msg_id and in_reply_to.
package proto

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Maelstrom's own reserved error codes. k-log is the only workload that
// needs to recognize these explicitly; the rest never see them.
const (
	ErrCodeKeyDoesNotExist    = 20
	ErrCodePreconditionFailed = 22
)

// Header carries the three fields every body has regardless of payload:
// the outgoing id, the echoed id this is a reply to, and the type
// discriminator. Payload structs embed Header by value so its fields are
// flattened alongside the payload's own fields on the wire, mirroring the
// original implementation's `#[serde(flatten)]` body.
type Header struct {
	MsgID     *int   `json:"msg_id,omitempty"`
	InReplyTo *int   `json:"in_reply_to,omitempty"`
	Type      string `json:"type"`
}

// Head returns a pointer to the embedding struct's Header, so Node.Send and
// Node.Reply can stamp msg_id/in_reply_to generically without reflection.
func (h *Header) Head() *Header { return h }

// Headered is implemented by every outbound payload type via an embedded
// Header field.
type Headered interface {
	Head() *Header
}

// RawEnvelope is an envelope whose body has not yet been decoded into a
// concrete payload type. The node runtime only needs src/dest/body to
// route and correlate; each workload decodes Body into its own payload
// union.
type RawEnvelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// ParseHeader extracts just msg_id/in_reply_to/type from the envelope body,
// without requiring the caller to know the full payload shape yet.
func (e RawEnvelope) ParseHeader() (Header, error) {
	var h Header
	err := json.Unmarshal(e.Body, &h)
	return h, err
}

// InitBody is the harness's one-time bootstrap message.
type InitBody struct {
	Header
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

// InitOkBody acknowledges Init.
type InitOkBody struct {
	Header
}

// ErrorBody is Maelstrom's standard error payload, used to decode errors
// from external services like lin-kv. No workload here emits one.
type ErrorBody struct {
	Header
	Code int    `json:"code"`
	Text string `json:"text"`
}

type outboundEnvelope struct {
	Src  string    `json:"src"`
	Dest string    `json:"dest"`
	Body Headered  `json:"body"`
}

// Marshal renders a single envelope frame, without the trailing newline.
func Marshal(src, dest string, body Headered) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Src: src, Dest: dest, Body: body})
}

// Writer serializes outbound envelopes to an underlying io.Writer (normally
// os.Stdout), holding a lock across the envelope bytes and the trailing
// newline so concurrent senders can never interleave a partial frame.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for use by (possibly concurrent) senders.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes and emits one envelope, terminated by a single newline.
func (wr *Writer) Write(src, dest string, body Headered) error {
	data, err := Marshal(src, dest, body)
	if err != nil {
		return fmt.Errorf("marshal envelope to %s: %w", dest, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()

	if _, err := wr.w.Write(data); err != nil {
		return fmt.Errorf("write envelope to %s: %w", dest, err)
	}
	if _, err := wr.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write trailing newline to %s: %w", dest, err)
	}
	return nil
}
