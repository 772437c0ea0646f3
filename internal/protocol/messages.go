package protocol

import "time"

// TTSRequest asks the runtime to synthesize speech for a session.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Format    string `json:"format,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Voice     string `json:"voice,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries synthesized PCM audio.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus is published once per request when synthesis ends.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// G2PRequest is sent with request/reply on SubjectG2PRequest.
type G2PRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

type G2PReply struct {
	Phonemes string `json:"phonemes,omitempty"`
	Error    string `json:"error,omitempty"`
}

type VoicesReply struct {
	Voices [][]string `json:"voices,omitempty"`
	Error  string     `json:"error,omitempty"`
}

const (
	SubjectTTSRequest    = "tts.request"
	SubjectTTSAudio      = "tts.audio"
	SubjectTTSDone       = "tts.done"
	SubjectG2PRequest    = "tts.g2p.request"
	SubjectVoicesRequest = "tts.voices.request"
)
