// Package transport defines the common contract shared by Whisker's
// two concrete message transport backends (internal/transport/broker
// and internal/transport/wsock): envelope encoding, and the
// ClientConnection/ServerConnection interfaces.
package transport

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeEnvelope builds the wire blob `type_name_ascii || 0x00 ||
// payload_bytes` for an application message.
func EncodeEnvelope(typeName string, payload []byte) []byte {
	buf := make([]byte, 0, len(typeName)+1+len(payload))
	buf = append(buf, typeName...)
	buf = append(buf, 0)
	buf = append(buf, payload...)
	return buf
}

// DecodeEnvelope splits a wire blob back into its type name and
// payload. An envelope without a NUL separator is malformed.
func DecodeEnvelope(blob []byte) (typeName string, payload []byte, err error) {
	idx := bytes.IndexByte(blob, 0)
	if idx < 0 {
		return "", nil, errors.New("envelope missing type name terminator")
	}
	return string(blob[:idx]), blob[idx+1:], nil
}

// HandlerSet dispatches decoded messages by type name. Handlers are
// registered with generic type parameters via RegisterHandler and
// invoked from Dispatch, mirroring the source's type-erased-handler-map
// idiom. Every handler also receives the sending peer's id (the
// connected client id on the server side; empty on the client side,
// which only ever has one peer), so request/response message pairs can
// address their reply.
type HandlerSet struct {
	handlers map[string]func(payload []byte, senderID string) error
}

// NewHandlerSet constructs an empty HandlerSet.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{handlers: make(map[string]func(payload []byte, senderID string) error)}
}

// RegisterHandler registers handler for typeName. Registering the same
// type name twice is a programmer error and panics, matching the
// fatal-on-contract-violation error class.
func RegisterHandler[T any](h *HandlerSet, typeName string, handler func(msg T, senderID string)) {
	if _, exists := h.handlers[typeName]; exists {
		panic("transport: duplicate handler registration for " + typeName)
	}
	h.handlers[typeName] = func(payload []byte, senderID string) error {
		var msg T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &msg); err != nil {
				return errors.Wrapf(err, "decoding payload for %q", typeName)
			}
		}
		handler(msg, senderID)
		return nil
	}
}

// Dispatch decodes blob and invokes the registered handler for its
// type name, passing senderID through to it. It returns an error (to
// be logged as a warning, never fatal) if the type is unknown or the
// payload fails to decode.
func (h *HandlerSet) Dispatch(blob []byte, senderID string) error {
	typeName, payload, err := DecodeEnvelope(blob)
	if err != nil {
		return err
	}
	handler, ok := h.handlers[typeName]
	if !ok {
		return errors.Errorf("no handler registered for message type %q", typeName)
	}
	return handler(payload, senderID)
}

// EncodeMessage marshals msg to JSON and wraps it in an envelope for
// typeName.
func EncodeMessage(typeName string, msg interface{}) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling message of type %q", typeName)
	}
	return EncodeEnvelope(typeName, payload), nil
}

// ConnectionStateHandler is invoked when a client connects or
// disconnects from a ClientConnection (server side).
type ConnectionStateHandler func(peerID string, connected bool)

// DisconnectHandler is invoked when a ServerConnection (client side)
// loses its connection to the server.
type DisconnectHandler func()

// ClientConnection is the server-side connection abstraction: it
// addresses zero or more connected peers by id.
type ClientConnection interface {
	Send(typeName string, msg interface{}, recipientID string) error
	Broadcast(typeName string, msg interface{}) error
	ConnectedIDs() []string
	Stop()
}

// ServerConnection is the client-side connection abstraction: it
// addresses exactly one server.
type ServerConnection interface {
	Send(typeName string, msg interface{}) error
	Stop()
}
