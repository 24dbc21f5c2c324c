package session

// Phase is the session state machine position. Transitions are strictly
// sequential within one turn; a new turn cannot begin until the session
// returns to PhaseIdle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseTranscribing Phase = "transcribing"
	PhaseAwaitingChat Phase = "awaiting_chat"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseStreaming    Phase = "streaming"
)
