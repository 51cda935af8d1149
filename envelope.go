package guard

import "github.com/google/uuid"

// Envelope is the stable error shape handed to API responses. It does not
// depend on any particular wire format; the json tags cover the common case.
type Envelope struct {
	Kind       ErrorKind      `json:"kind"`
	StatusCode int            `json:"statusCode"`
	Message    string         `json:"message"`
	RequestID  string         `json:"requestId"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
}

// ToEnvelope classifies err and renders it for an external caller.
// The error's own request id wins over requestID; when both are empty a new
// id is generated so every envelope can be correlated with logs.
func ToEnvelope(err error, requestID string) Envelope {
	classified := AsError(err)
	if classified == nil {
		classified = NewError(KindInternal, "internal error")
	}

	id := classified.RequestID
	if id == "" {
		id = requestID
	}
	if id == "" {
		id = uuid.NewString()
	}

	var details map[string]any
	if len(classified.Details) > 0 {
		details = make(map[string]any, len(classified.Details))
		for k, v := range classified.Details {
			details[k] = v
		}
	}

	return Envelope{
		Kind:       classified.Kind,
		StatusCode: classified.StatusCode(),
		Message:    classified.Message,
		RequestID:  id,
		Retryable:  classified.Retryable,
		Details:    details,
	}
}
