// Package hub provides the dashboard connection hub: a thread-safe
// websocket broadcast hub using the channel-based fan-out pattern.
package hub

import (
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Frame is an encoded message queued for delivery to clients.
type Frame struct {
	Type protocol.MessageType
	Data []byte
}

// NewFrame encodes a protocol message once for all recipients.
func NewFrame(msg *protocol.Message) (Frame, error) {
	data, err := msg.Bytes()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: msg.Type, Data: data}, nil
}
