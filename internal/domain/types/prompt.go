package types

// Prompt is the decrypted body of a session.message frame.
type Prompt struct {
	RequestID RequestID         `json:"request_id"`
	Text      string            `json:"prompt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Progress is an intermediate update for an in-flight prompt.
type Progress struct {
	RequestID RequestID `json:"request_id"`
	Text      string    `json:"text"`
}

// Result is the terminal success response for a prompt.
type Result struct {
	RequestID RequestID         `json:"request_id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorReply is the terminal failure response for a prompt.
type ErrorReply struct {
	RequestID RequestID `json:"request_id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// Error codes carried in ErrorReply.
const (
	ErrorCodeExecution  = "execution_failed"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeCancelled  = "cancelled"
	ErrorCodeBadRequest = "bad_request"
	ErrorCodeDuplicate  = "duplicate_request"
)

// CancelRequest is the decrypted body of a session.cancel frame. An empty
// RequestID cancels every in-flight prompt of the session.
type CancelRequest struct {
	RequestID RequestID `json:"request_id,omitempty"`
}
