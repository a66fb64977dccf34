package protocol

import "encoding/json"

// Frame type discriminators carried in the "type" field of every frame.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-gateway method invocation.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventFrame is a gateway-to-client push notification.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewResponse builds a successful response for the given request ID.
func NewResponse(id string, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response for the given request ID.
func NewErrorResponse(id, code, message string) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// ParseFrameType extracts the frame type without decoding the full frame.
func ParseFrameType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}
