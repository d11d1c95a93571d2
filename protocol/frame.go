package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the leading tag of every wire frame.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// Error codes carried in CallError frames
const (
	ErrorNotImplemented                = "NotImplemented"
	ErrorNotSupported                  = "NotSupported"
	ErrorInternalError                 = "InternalError"
	ErrorProtocolError                 = "ProtocolError"
	ErrorSecurityError                 = "SecurityError"
	ErrorFormationViolation            = "FormationViolation"
	ErrorPropertyConstraintViolation   = "PropertyConstraintViolation"
	ErrorOccurrenceConstraintViolation = "OccurrenceConstraintViolation"
	ErrorTypeConstraintViolation       = "TypeConstraintViolation"
	ErrorGenericError                  = "GenericError"
)

// ErrMalformedFrame is returned by Decode for anything that is not a valid
// Call, CallResult or CallError array.
var ErrMalformedFrame = errors.New("malformed frame")

var emptyObject = json.RawMessage("{}")

// Frame is one decoded wire message. Which fields are meaningful depends on Type:
//
//	Call:       [2, ID, Action, Payload]
//	CallResult: [3, ID, Payload]
//	CallError:  [4, ID, ErrorCode, ErrorDescription, ErrorDetails]
type Frame struct {
	Type             MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// NewCall builds a Call frame.
func NewCall(id, action string, payload json.RawMessage) Frame {
	return Frame{Type: MessageTypeCall, ID: id, Action: action, Payload: payload}
}

// NewCallResult builds a CallResult frame.
func NewCallResult(id string, payload json.RawMessage) Frame {
	return Frame{Type: MessageTypeCallResult, ID: id, Payload: payload}
}

// NewCallError builds a CallError frame.
func NewCallError(id, code, description string, details json.RawMessage) Frame {
	return Frame{Type: MessageTypeCallError, ID: id, ErrorCode: code, ErrorDescription: description, ErrorDetails: details}
}

// String returns a short label for metrics and logs.
func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "call"
	case MessageTypeCallResult:
		return "result"
	case MessageTypeCallError:
		return "error"
	default:
		return "unknown"
	}
}

// Encode serializes a frame into its JSON array form.
func Encode(f Frame) ([]byte, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("encode frame: empty message id")
	}

	var arr []interface{}
	switch f.Type {
	case MessageTypeCall:
		if f.Action == "" {
			return nil, fmt.Errorf("encode frame: empty action")
		}
		arr = []interface{}{int(f.Type), f.ID, f.Action, objectOrEmpty(f.Payload)}
	case MessageTypeCallResult:
		arr = []interface{}{int(f.Type), f.ID, objectOrEmpty(f.Payload)}
	case MessageTypeCallError:
		if f.ErrorCode == "" {
			return nil, fmt.Errorf("encode frame: empty error code")
		}
		arr = []interface{}{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, objectOrEmpty(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("encode frame: unknown message type %d", f.Type)
	}

	return json.Marshal(arr)
}

// Decode parses raw bytes into a Frame. Every failure wraps ErrMalformedFrame.
// Payloads and error details are returned in compact form, matching Encode.
func Decode(raw []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Frame{}, malformed("not a JSON array: %v", err)
	}
	if len(parts) < 3 {
		return Frame{}, malformed("array has %d elements", len(parts))
	}

	var tag int
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return Frame{}, malformed("message type is not an integer")
	}

	var f Frame
	f.Type = MessageType(tag)
	if err := decodeString(parts[1], &f.ID, "message id"); err != nil {
		return Frame{}, err
	}
	if f.ID == "" {
		return Frame{}, malformed("empty message id")
	}

	switch f.Type {
	case MessageTypeCall:
		if len(parts) != 4 {
			return Frame{}, malformed("call has %d elements, want 4", len(parts))
		}
		if err := decodeString(parts[2], &f.Action, "action"); err != nil {
			return Frame{}, err
		}
		if f.Action == "" {
			return Frame{}, malformed("empty action")
		}
		if !isObject(parts[3]) {
			return Frame{}, malformed("call payload is not an object")
		}
		f.Payload = compact(parts[3])
	case MessageTypeCallResult:
		if len(parts) != 3 {
			return Frame{}, malformed("result has %d elements, want 3", len(parts))
		}
		if !isObject(parts[2]) {
			return Frame{}, malformed("result payload is not an object")
		}
		f.Payload = compact(parts[2])
	case MessageTypeCallError:
		if len(parts) != 5 {
			return Frame{}, malformed("error has %d elements, want 5", len(parts))
		}
		if err := decodeString(parts[2], &f.ErrorCode, "error code"); err != nil {
			return Frame{}, err
		}
		if err := decodeString(parts[3], &f.ErrorDescription, "error description"); err != nil {
			return Frame{}, err
		}
		if !isObject(parts[4]) {
			return Frame{}, malformed("error details is not an object")
		}
		f.ErrorDetails = compact(parts[4])
	default:
		return Frame{}, malformed("unknown message type %d", tag)
	}

	return f, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

func decodeString(raw json.RawMessage, dst *string, field string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return malformed("%s is not a string", field)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return malformed("%s is not a string", field)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// compact strips insignificant whitespace so bodies compare equal to what
// Encode writes.
func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func objectOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return raw
}
