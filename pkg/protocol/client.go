package protocol

import "strings"

// Hardware commands a dashboard may request.
const (
	CommandStartRecording = "start_recording"
	CommandStopRecording  = "stop_recording"
)

// ClientCommand is a decoded dashboard → hub message.
type ClientCommand interface {
	Type() MessageType
	clientCommand()
}

// ManualActivation asks the assistant to start listening.
type ManualActivation struct{}

// HardwareCommand asks the hub to drive the hardware controller.
type HardwareCommand struct {
	Command string `json:"command"`
}

// Ping is a client keepalive that the hub answers with pong.
type Ping struct {
	ID string `json:"id,omitempty"`
}

func (ManualActivation) Type() MessageType { return TypeManualActivation }
func (HardwareCommand) Type() MessageType  { return TypeHardwareCommand }
func (Ping) Type() MessageType             { return TypePing }

func (ManualActivation) clientCommand() {}
func (HardwareCommand) clientCommand()  {}
func (Ping) clientCommand()             {}

// DecodeClient decodes and validates a dashboard message.
func DecodeClient(data []byte) (ClientCommand, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	return ClientCommandFrom(msg)
}

// ClientCommandFrom validates an already parsed envelope.
func ClientCommandFrom(msg *Message) (ClientCommand, error) {
	switch msg.Type {
	case TypeManualActivation:
		return ManualActivation{}, nil

	case TypeHardwareCommand:
		var cmd HardwareCommand
		if err := msg.ParseData(&cmd); err != nil {
			return nil, &ProtocolError{Type: msg.Type, Err: ErrMalformed}
		}
		cmd.Command = strings.TrimSpace(cmd.Command)
		switch cmd.Command {
		case "":
			return nil, missing(msg.Type, "command")
		case CommandStartRecording, CommandStopRecording:
			return cmd, nil
		default:
			return nil, invalid(msg.Type, "command", "%q", cmd.Command)
		}

	case TypePing:
		var p Ping
		_ = msg.ParseData(&p)
		return p, nil

	default:
		return nil, &ProtocolError{Type: msg.Type, Err: ErrUnknownType}
	}
}

// Encode wraps a client command in an envelope. Used by simulators and tests.
func Encode(cmd ClientCommand) (*Message, error) {
	switch c := cmd.(type) {
	case ManualActivation:
		return NewMessage(c.Type(), struct{}{})
	default:
		return NewMessage(c.Type(), c)
	}
}
