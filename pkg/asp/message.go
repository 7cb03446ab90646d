// Package asp implements the Audio Session Protocol: the WebSocket-framed
// control protocol plus binary audio sub-protocol spoken between the Kestrel
// media server and its AI services.
//
// Two encodings share one WebSocket. Control messages are JSON text frames,
// one message per frame, each carrying a type and a wall-clock timestamp.
// Audio travels as binary frames with a fixed 12-byte header (see
// [EncodeAudioFrame]). Control messages on a socket are ordered; audio frames
// are ordered only relative to each other and to the session.started /
// session.end bracket.
package asp

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the ASP version advertised in protocol.capabilities.
const ProtocolVersion = "1.0"

// Type enumerates the closed set of control message types.
type Type string

const (
	TypeCapabilities        Type = "protocol.capabilities"
	TypeSessionStart        Type = "session.start"
	TypeSessionStarted      Type = "session.started"
	TypeSessionUpdate       Type = "session.update"
	TypeSessionUpdated      Type = "session.updated"
	TypeSessionEnd          Type = "session.end"
	TypeSessionEnded        Type = "session.ended"
	TypeProtocolError       Type = "protocol.error"
	TypeSpeechStart         Type = "audio.speech_start"
	TypeSpeechEnd           Type = "audio.speech_end"
	TypeResponseStart       Type = "response.start"
	TypeResponseEnd         Type = "response.end"
	TypeResponseInterrupted Type = "response.interrupted"
	TypeCallAction          Type = "call.action"
	TypeTextUtterance       Type = "text.utterance"
)

// knownTypes is the membership set used by [Message.Validate].
var knownTypes = map[Type]bool{
	TypeCapabilities:        true,
	TypeSessionStart:        true,
	TypeSessionStarted:      true,
	TypeSessionUpdate:       true,
	TypeSessionUpdated:      true,
	TypeSessionEnd:          true,
	TypeSessionEnded:        true,
	TypeProtocolError:       true,
	TypeSpeechStart:         true,
	TypeSpeechEnd:           true,
	TypeResponseStart:       true,
	TypeResponseEnd:         true,
	TypeResponseInterrupted: true,
	TypeCallAction:          true,
	TypeTextUtterance:       true,
}

// Status values carried on session.started / session.updated.
type Status string

const (
	StatusAccepted            Status = "accepted"
	StatusAcceptedWithChanges Status = "accepted_with_changes"
	StatusRejected            Status = "rejected"
)

// Session end reasons.
const (
	ReasonHangup        = "hangup"
	ReasonTimeout       = "timeout"
	ReasonError         = "error"
	ReasonUserEnd       = "user_end"
	ReasonDebugComplete = "debug_complete"
)

// call.action actions.
const (
	ActionTransfer = "transfer"
	ActionHangup   = "hangup"
)

// Error categories for protocol.error.
const (
	CategoryProtocol = "protocol"
	CategoryAudio    = "audio"
	CategoryVAD      = "vad"
	CategorySession  = "session"
)

// Protocol error codes. The 1000 range is reserved for protocol-category
// errors; negotiation failures use the 2000 range.
const (
	CodeInvalidJSON      = 1000
	CodeUnknownType      = 1001
	CodeMissingField     = 1002
	CodeUnknownSession   = 1003
	CodeDuplicateSession = 1004
	CodeAudioImmutable   = 1005
	CodeNegotiationFail  = 2000
)

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a wall-clock instant serialised as ISO-8601 UTC with
// millisecond precision. Only protocol message timestamps use wall-clock
// time; every interval and budget in the system uses the monotonic clock.
type Timestamp struct {
	time.Time
}

// Now returns the current instant truncated to millisecond precision so a
// marshal/unmarshal round trip compares equal.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("asp: bad timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// AudioConfig is the negotiable audio format for a session. Audio is
// immutable after session.started; session.update may only change VAD.
type AudioConfig struct {
	SampleRate      int    `json:"sample_rate"`
	Encoding        string `json:"encoding"`
	Channels        int    `json:"channels"`
	FrameDurationMs int    `json:"frame_duration_ms"`
}

// VADConfig is the negotiable voice-activity-detection tuning for a session.
type VADConfig struct {
	Enabled            bool    `json:"enabled"`
	SilenceThresholdMs int     `json:"silence_threshold_ms"`
	MinSpeechMs        int     `json:"min_speech_ms"`
	Threshold          float64 `json:"threshold"`
	RingBufferFrames   int     `json:"ring_buffer_frames"`
	SpeechRatio        float64 `json:"speech_ratio"`
	PrefixPaddingMs    int     `json:"prefix_padding_ms"`
}

// Adjustment records one field the server changed during negotiation.
type Adjustment struct {
	Field     string `json:"field"`
	Requested any    `json:"requested"`
	Applied   any    `json:"applied"`
	Reason    string `json:"reason"`
}

// Negotiated is the immutable result of a successful negotiation.
type Negotiated struct {
	Audio       AudioConfig  `json:"audio"`
	VAD         VADConfig    `json:"vad"`
	Adjustments []Adjustment `json:"adjustments"`
}

// Capabilities advertises what a server supports, sent exactly once after
// connect.
type Capabilities struct {
	Version                   string   `json:"version"`
	SupportedSampleRates      []int    `json:"supported_sample_rates"`
	SupportedEncodings        []string `json:"supported_encodings"`
	SupportedFrameDurations   []int    `json:"supported_frame_durations"`
	VADConfigurable           bool     `json:"vad_configurable"`
	VADParameters             []string `json:"vad_parameters,omitempty"`
	MaxSessionDurationSeconds int      `json:"max_session_duration_seconds,omitempty"`
	Features                  []string `json:"features,omitempty"`
}

// ErrorDetail is the payload of protocol.error and of the errors list on a
// rejected session.started.
type ErrorDetail struct {
	Code        int            `json:"code"`
	Category    string         `json:"category"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// Error implements the error interface so an ErrorDetail can travel as a Go
// error inside the client.
func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("asp: %s error %d: %s", e.Category, e.Code, e.Message)
}

// Message is the single control-message envelope. Fields irrelevant to a
// given type stay zero and are omitted on the wire; [Message.Validate]
// enforces per-type required fields.
type Message struct {
	Type      Type      `json:"type"`
	Timestamp Timestamp `json:"timestamp"`

	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// protocol.capabilities
	Version      string        `json:"version,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	ServerID     string        `json:"server_id,omitempty"`

	// session.start / session.update
	Audio    *AudioConfig   `json:"audio,omitempty"`
	VAD      *VADConfig     `json:"vad,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// session.started / session.updated
	Status     Status        `json:"status,omitempty"`
	Negotiated *Negotiated   `json:"negotiated,omitempty"`
	Errors     []ErrorDetail `json:"errors,omitempty"`

	// session.end / session.ended
	Reason          string         `json:"reason,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Statistics      map[string]any `json:"statistics,omitempty"`

	// protocol.error
	Error *ErrorDetail `json:"error,omitempty"`

	// call.action
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`

	// text.utterance
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

// New returns a Message of the given type stamped with the current time.
func New(t Type) Message {
	return Message{Type: t, Timestamp: Now()}
}

// NewForSession returns a Message of the given type bound to a session.
func NewForSession(t Type, sessionID string) Message {
	m := New(t)
	m.SessionID = sessionID
	return m
}

// Encode serialises the message to a single JSON text frame.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Parse decodes and validates one control message.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ErrorDetail{
			Code:     CodeInvalidJSON,
			Category: CategoryProtocol,
			Message:  "invalid JSON: " + err.Error(),
		}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// sessionScoped lists the types that must carry a session_id.
var sessionScoped = map[Type]bool{
	TypeSessionStart:        true,
	TypeSessionStarted:      true,
	TypeSessionUpdate:       true,
	TypeSessionUpdated:      true,
	TypeSessionEnd:          true,
	TypeSessionEnded:        true,
	TypeSpeechStart:         true,
	TypeSpeechEnd:           true,
	TypeResponseStart:       true,
	TypeResponseEnd:         true,
	TypeResponseInterrupted: true,
	TypeCallAction:          true,
	TypeTextUtterance:       true,
}

// Validate checks the envelope's type and per-type required fields. It
// returns an *ErrorDetail so callers can answer with a protocol.error
// directly.
func (m Message) Validate() error {
	if !knownTypes[m.Type] {
		return &ErrorDetail{
			Code:     CodeUnknownType,
			Category: CategoryProtocol,
			Message:  fmt.Sprintf("unknown message type %q", m.Type),
		}
	}
	if sessionScoped[m.Type] && m.SessionID == "" {
		return &ErrorDetail{
			Code:     CodeMissingField,
			Category: CategoryProtocol,
			Message:  fmt.Sprintf("%s requires session_id", m.Type),
		}
	}
	switch m.Type {
	case TypeCapabilities:
		if m.Capabilities == nil {
			return &ErrorDetail{
				Code:     CodeMissingField,
				Category: CategoryProtocol,
				Message:  "protocol.capabilities requires capabilities",
			}
		}
	case TypeSessionUpdate:
		// Audio is immutable mid-session: only VAD may appear.
		if m.Audio != nil {
			return &ErrorDetail{
				Code:     CodeAudioImmutable,
				Category: CategoryAudio,
				Message:  "session.update must not carry audio fields",
			}
		}
		if m.VAD == nil {
			return &ErrorDetail{
				Code:     CodeMissingField,
				Category: CategoryVAD,
				Message:  "session.update requires vad",
			}
		}
	case TypeProtocolError:
		if m.Error == nil {
			return &ErrorDetail{
				Code:     CodeMissingField,
				Category: CategoryProtocol,
				Message:  "protocol.error requires error",
			}
		}
	case TypeCallAction:
		if m.Action != ActionTransfer && m.Action != ActionHangup {
			return &ErrorDetail{
				Code:     CodeMissingField,
				Category: CategoryProtocol,
				Message:  fmt.Sprintf("call.action has invalid action %q", m.Action),
			}
		}
	}
	return nil
}

// ProtocolError builds a ready-to-send protocol.error message. sessionID may
// be empty when the error is not session-scoped.
func ProtocolError(sessionID string, detail ErrorDetail) Message {
	m := New(TypeProtocolError)
	m.SessionID = sessionID
	m.Error = &detail
	return m
}
