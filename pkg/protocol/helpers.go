package protocol

import "time"

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewInitialStateMessage creates the snapshot sent to a newly registered client
func NewInitialStateMessage(state StatePayload) (*Message, error) {
	return NewMessage(TypeInitialState, state)
}

// NewUnifiedStateMessage creates a unified_state_update message
func NewUnifiedStateMessage(state StatePayload) (*Message, error) {
	return NewMessage(TypeUnifiedStateUpdate, state)
}

// NewStatusMessage creates a status_update message
func NewStatusMessage(status string) (*Message, error) {
	return NewMessage(TypeStatusUpdate, StatusUpdatePayload{Status: status})
}

// NewCommandLogMessage creates a command_log message
func NewCommandLogMessage(command string, at time.Time) (*Message, error) {
	return NewMessage(TypeCommandLog, CommandLogPayload{
		Command:   command,
		Timestamp: at.UnixMilli(),
	})
}

// NewAudioProcessingMessage creates an audio_processing message
func NewAudioProcessingMessage(status string, current *AudioInfo) (*Message, error) {
	return NewMessage(TypeAudioProcessing, AudioProcessingPayload{
		Status:       status,
		CurrentAudio: current,
	})
}

// NewHardwareEventMessage creates a hardware_event message
func NewHardwareEventMessage(ev HardwareEventPayload) (*Message, error) {
	return NewMessage(TypeHardwareEvent, ev)
}

// NewAssistantResponseMessage creates an assistant_response message
func NewAssistantResponseMessage(text, audioURL, audioFilename string) (*Message, error) {
	return NewMessage(TypeAssistantResponse, AssistantResponsePayload{
		Text:          text,
		AudioURL:      audioURL,
		AudioFilename: audioFilename,
	})
}

// NewConnectionInfoMessage creates a connection_info greeting
func NewConnectionInfoMessage(message, connectionID string) (*Message, error) {
	return NewMessage(TypeConnectionInfo, ConnectionInfoPayload{
		Message:      message,
		ConnectionID: connectionID,
	})
}

// NewErrorInfoMessage creates a connection_info message reporting a rejected command
func NewErrorInfoMessage(message string) (*Message, error) {
	return NewMessage(TypeConnectionInfo, ConnectionInfoPayload{
		Message: message,
		Error:   true,
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response
func NewPongMessage(id string, pingTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:     id,
		PingTS: pingTS,
		PongTS: time.Now().UnixMilli(),
	})
}

// NewButtonSimulationMessage creates the command sent to the hardware
// controller to simulate a button press
func NewButtonSimulationMessage(kind string, duration float64) (*Message, error) {
	return NewMessage(TypeButtonEvent, ButtonSimulation{
		EventType: kind,
		Duration:  duration,
	})
}

// =============================================================================
// Helper functions for parsing message data
// =============================================================================

// GetStateData extracts a StatePayload from initial_state or unified_state_update
func GetStateData(m *Message) (*StatePayload, error) {
	var data StatePayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStatusData extracts status_update data
func GetStatusData(m *Message) (*StatusUpdatePayload, error) {
	var data StatusUpdatePayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioProcessingData extracts audio_processing data
func GetAudioProcessingData(m *Message) (*AudioProcessingPayload, error) {
	var data AudioProcessingPayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetHardwareEventData extracts hardware_event data
func GetHardwareEventData(m *Message) (*HardwareEventPayload, error) {
	var data HardwareEventPayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetCommandLogData extracts command_log data
func GetCommandLogData(m *Message) (*CommandLogPayload, error) {
	var data CommandLogPayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetConnectionInfoData extracts connection_info data
func GetConnectionInfoData(m *Message) (*ConnectionInfoPayload, error) {
	var data ConnectionInfoPayload
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
