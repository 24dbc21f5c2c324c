// Package protocol defines the JSON messages exchanged with
// conversation clients and published to the notification sink.
package protocol

// Event names carried in the "event" field of server-to-client
// messages. Binary PCM frames are interleaved between JSON messages;
// every binary frame is preceded by an audio_chunk_meta message.
const (
	EventConnectionEstablished = "connection_established"
	EventConfigUpdated         = "config_updated"
	EventSTTEmpty              = "stt_empty"
	EventSTTCompleted          = "stt_completed"
	EventChatProcessing        = "gpt_processing"
	EventChatResponse          = "gpt_response"
	EventTTSStarted            = "tts_started"
	EventTTSProgress           = "tts_progress"
	EventTTSStopped            = "tts_stopped"
	EventCacheHit              = "cache_hit"
	EventStreamStart           = "audio_stream_start"
	EventChunkMeta             = "audio_chunk_meta"
	EventStreamComplete        = "audio_stream_complete"
	EventError                 = "error"
)

// Text control messages sent by clients. Anything starting with "{" is
// parsed as a SessionSettings update instead.
const (
	ControlStopRecording = "stop_recording"
	ControlStopSpeaking  = "stop_speaking"
)

// TTSSettings adjusts synthesis conditioning for a session.
type TTSSettings struct {
	Model        string    `json:"model,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	Emotion      []float64 `json:"emotion,omitempty"`
	SpeakingRate float64   `json:"speaking_rate,omitempty"`
	PitchStd     float64   `json:"pitch_std,omitempty"`
	CFGScale     float64   `json:"cfg_scale,omitempty"`
}

// SessionSettings is the JSON configuration blob a client may send at
// any time. Zero-valued fields leave the current setting unchanged.
type SessionSettings struct {
	Language string `json:"language,omitempty"`
	// PerformanceMode is auto, fast, or quality. Recorded and echoed
	// back; every mode currently runs the same synthesis path.
	PerformanceMode string       `json:"performance_mode,omitempty"`
	SystemPrompt    string       `json:"system_prompt,omitempty"`
	TTS             *TTSSettings `json:"tts_settings,omitempty"`
}

type ConnectionEstablished struct {
	Event    string `json:"event"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

type ConfigUpdated struct {
	Event    string          `json:"event"`
	Settings SessionSettings `json:"settings"`
}

type STTCompleted struct {
	Event          string  `json:"event"`
	Transcript     string  `json:"transcript"`
	ProcessingTime float64 `json:"processing_time"`
}

type STTEmpty struct {
	Event string `json:"event"`
}

type ChatProcessing struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}

type ChatResponse struct {
	Event          string  `json:"event"`
	Response       string  `json:"response"`
	ProcessingTime float64 `json:"processing_time"`
}

type TTSStarted struct {
	Event      string `json:"event"`
	SampleRate int    `json:"sample_rate"`
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
}

type TTSProgress struct {
	Event    string `json:"event"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

type TTSStopped struct {
	Event string `json:"event"`
}

type CacheHit struct {
	Event string `json:"event"`
}

type StreamStart struct {
	Event       string  `json:"event"`
	StreamID    string  `json:"stream_id"`
	TotalChunks int     `json:"total_chunks"`
	SampleRate  int     `json:"sample_rate"`
	RTF         float64 `json:"rtf"`
}

type ChunkMeta struct {
	Event       string `json:"event"`
	StreamID    string `json:"stream_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	SampleRate  int    `json:"sample_rate"`
	ChunkBytes  int    `json:"chunk_bytes"`
	Final       bool   `json:"is_final_chunk"`
}

type StreamComplete struct {
	Event         string  `json:"event"`
	StreamID      string  `json:"stream_id"`
	ChunksSent    int     `json:"total_chunks_sent"`
	TotalDuration float64 `json:"total_duration"`
	RTF           float64 `json:"rtf"`
}

type ErrorEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// Notification is one record handed to the best-effort sink: a user,
// assistant, or system message plus free-form metadata.
type Notification struct {
	ClientID string         `json:"client_id"`
	Role     string         `json:"role"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	UnixMS   int64          `json:"unix_ms"`
}

const (
	SubjectNotificationPrefix = "conversation.notify"
)
