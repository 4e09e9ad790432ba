// Package wire implements the envelope format, request/response tagged
// unions, and permission-checking dispatcher that sit between
// pkg/transport's framed byte streams and the storage/database/pubsub
// core. Grounded on spec.md §4.5/§4.7/§6 and
// original_source/crates/bonsaidb-client/src/client.rs's envelope shape,
// adapted from Rust's compile-time enum variants to Go's one-pointer-
// populated struct idiom for tagged unions, encoded with
// github.com/hashicorp/go-msgpack/v2's codec package.
package wire

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Envelope is the self-describing record exchanged over one
// pkg/transport frame. ID is assigned by the client as a monotonic
// per-connection counter; the server echoes it on the matching
// response. A nil ID marks an unsolicited server-to-client push (a
// pub/sub delivery).
type Envelope struct {
	SessionID *uint64 `codec:"session_id,omitempty"`
	ID        *uint32 `codec:"id,omitempty"`
	Wrapped   []byte  `codec:"wrapped"`
}

var msgpackHandle codec.MsgpackHandle

// Marshal encodes v as a standalone msgpack value.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding msgpack value: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes raw into v.
func Unmarshal(raw []byte, v any) error {
	dec := codec.NewDecoderBytes(raw, &msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding msgpack value: %w", err)
	}
	return nil
}

// EncodeRequestEnvelope packs req as Wrapped inside an Envelope, then
// encodes the whole envelope, ready to hand to pkg/transport.Conn.SendFrame.
func EncodeRequestEnvelope(sessionID *uint64, id uint32, req Request) ([]byte, error) {
	wrapped, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return Marshal(Envelope{SessionID: sessionID, ID: &id, Wrapped: wrapped})
}

// EncodeResponseEnvelope packs resp as Wrapped inside an Envelope whose
// ID echoes the originating request's (nil for an unsolicited push).
func EncodeResponseEnvelope(id *uint32, resp Response) ([]byte, error) {
	wrapped, err := Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return Marshal(Envelope{ID: id, Wrapped: wrapped})
}

// DecodeEnvelope unpacks the outer Envelope from a received frame,
// leaving Wrapped for the caller to decode as a Request or Response
// depending on which side of the connection it is.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

// DecodeRequest unpacks env.Wrapped as a Request.
func DecodeRequest(env Envelope) (Request, error) {
	var req Request
	if err := Unmarshal(env.Wrapped, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// DecodeResponse unpacks env.Wrapped as a Response.
func DecodeResponse(env Envelope) (Response, error) {
	var resp Response
	if err := Unmarshal(env.Wrapped, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
