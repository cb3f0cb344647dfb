package protocol

// =============================================================================
// Hub → Dashboard Payloads
// =============================================================================

// StatePayload is carried by initial_state and unified_state_update.
type StatePayload struct {
	Hardware HardwareState `json:"hardware"`
	Backend  BackendState  `json:"backend"`
}

// HardwareState holds the canonical assistant state and hardware health.
type HardwareState struct {
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	LastHeartbeat int64  `json:"last_heartbeat,omitempty"` // Unix milliseconds
}

// BackendState wraps the audio processor summary.
type BackendState struct {
	AudioProcessor AudioProcessorState `json:"audio_processor"`
}

// AudioProcessorState summarizes the audio queue.
type AudioProcessorState struct {
	Status         string `json:"status"` // "idle" or "processing"
	QueueLength    int    `json:"queue_length"`
	TotalProcessed int64  `json:"total_processed"`
	Failed         int64  `json:"failed,omitempty"`
}

// StatusUpdatePayload announces a state transition.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

// CommandLogPayload carries one recognized command.
type CommandLogPayload struct {
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// AudioInfo describes one audio item on the wire.
type AudioInfo struct {
	ID           string   `json:"id"`
	Filename     string   `json:"filename"`
	Timestamp    int64    `json:"timestamp"` // receipt, Unix milliseconds
	Duration     float64  `json:"duration"`  // seconds
	Size         int64    `json:"size"`      // bytes
	Status       string   `json:"status"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	URL          string   `json:"url,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// AudioProcessingPayload reports an audio item status change.
type AudioProcessingPayload struct {
	Status       string     `json:"status"`
	CurrentAudio *AudioInfo `json:"current_audio,omitempty"`
}

// HardwareEventPayload forwards a normalized hardware event to dashboards.
type HardwareEventPayload struct {
	EventType  string         `json:"event_type"`
	Source     string         `json:"source,omitempty"`
	ButtonType string         `json:"button_type,omitempty"`
	Duration   float64        `json:"duration,omitempty"`
	Health     string         `json:"health,omitempty"`
	UID        string         `json:"uid,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AssistantResponsePayload carries the assistant's reply.
type AssistantResponsePayload struct {
	Text          string `json:"text"`
	AudioURL      string `json:"audio_url,omitempty"`
	AudioFilename string `json:"audio_filename,omitempty"`
}

// ConnectionInfoPayload greets a client or reports a rejected command.
type ConnectionInfoPayload struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connection_id,omitempty"`
	Error        bool   `json:"error,omitempty"`
}

// =============================================================================
// Hub → Hardware Payloads
// =============================================================================

// ButtonSimulation asks the hardware controller to simulate a press.
type ButtonSimulation struct {
	EventType string  `json:"event_type"` // "short" or "long"
	Duration  float64 `json:"duration"`
}

// PingData contains ping information
type PingData struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
}

// PongData contains pong response
type PongData struct {
	ID     string `json:"id,omitempty"`
	PingTS int64  `json:"ping_ts,omitempty"`
	PongTS int64  `json:"pong_ts"`
}
