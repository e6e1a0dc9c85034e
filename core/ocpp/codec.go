package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var emptyObject = json.RawMessage(`{}`)

// Parse decodes a single wire message.
//
// Malformed JSON, a non array value, a wrong element count or wrongly typed
// elements yield a FormationViolation. A numeric message type other than
// CALL, CALLRESULT or CALLERROR yields a ProtocolError.
func Parse(data []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, NewError(FormationViolation, "invalid frame: %v", err)
	}
	if len(elems) == 0 {
		return nil, NewError(FormationViolation, "empty frame")
	}
	var typ *int
	if err := json.Unmarshal(elems[0], &typ); err != nil || typ == nil {
		return nil, NewError(FormationViolation, "message type is not an integer")
	}
	var id string
	if len(elems) > 1 {
		if err := json.Unmarshal(elems[1], &id); err != nil {
			return nil, NewError(FormationViolation, "message id is not a string")
		}
	}
	fail := func(code ErrorCode, format string, args ...any) (Frame, error) {
		e := NewError(code, format, args...)
		e.MessageID = id
		return nil, e
	}

	switch MessageType(*typ) {
	case CallType:
		if len(elems) != 4 {
			return fail(FormationViolation, "CALL expects 4 elements, got %d", len(elems))
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return fail(FormationViolation, "action is not a non-empty string")
		}
		payload, err := objectPayload(elems[3])
		if err != nil {
			return fail(FormationViolation, "%v", err)
		}
		return &Call{ID: id, Action: action, Payload: payload}, nil
	case CallResultType:
		if len(elems) != 3 {
			return fail(FormationViolation, "CALLRESULT expects 3 elements, got %d", len(elems))
		}
		payload, err := objectPayload(elems[2])
		if err != nil {
			return fail(FormationViolation, "%v", err)
		}
		return &CallResult{ID: id, Payload: payload}, nil
	case CallErrorType:
		if len(elems) != 4 && len(elems) != 5 {
			return fail(FormationViolation, "CALLERROR expects 4 or 5 elements, got %d", len(elems))
		}
		var code, desc string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return fail(FormationViolation, "error code is not a string")
		}
		if err := json.Unmarshal(elems[3], &desc); err != nil {
			return fail(FormationViolation, "error description is not a string")
		}
		details := emptyObject
		if len(elems) == 5 {
			d, err := objectPayload(elems[4])
			if err != nil {
				return fail(FormationViolation, "%v", err)
			}
			details = d
		}
		return &CallError{ID: id, Code: ErrorCode(code), Description: desc, Details: details}, nil
	default:
		return fail(ProtocolError, "unknown message type %d", *typ)
	}
}

// objectPayload accepts a JSON object, treating null as an empty object.
func objectPayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return emptyObject, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return trimmed, nil
}

// EncodeCall allocates a fresh correlation id and serializes a CALL frame.
func EncodeCall(action string, payload any) (string, []byte, error) {
	id := uuid.NewString()
	b, err := EncodeCallWithID(id, action, payload)
	if err != nil {
		return "", nil, err
	}
	return id, b, nil
}

// EncodeCallWithID serializes a CALL frame using a caller allocated id.
func EncodeCallWithID(id, action string, payload any) ([]byte, error) {
	p, err := MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return json.Marshal([]any{CallType, id, action, p})
}

// EncodeCallResult serializes a CALLRESULT frame.
func EncodeCallResult(id string, payload any) ([]byte, error) {
	p, err := MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}
	return json.Marshal([]any{CallResultType, id, p})
}

// EncodeCallError serializes a CALLERROR frame with empty details.
func EncodeCallError(id string, code ErrorCode, description string) ([]byte, error) {
	return json.Marshal([]any{CallErrorType, id, code, description, emptyObject})
}

// Encode serializes any decoded frame back to its wire form.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Call:
		return EncodeCallWithID(v.ID, v.Action, v.Payload)
	case *CallResult:
		return EncodeCallResult(v.ID, v.Payload)
	case *CallError:
		return EncodeCallError(v.ID, v.Code, v.Description)
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}
}

// MarshalPayload renders a payload as a JSON object. Nil values and empty raw
// messages become {}.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return emptyObject, nil
		}
		return requireObject(v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, []byte("null")) {
		return emptyObject, nil
	}
	return requireObject(b)
}

// ErrPayloadNotObject is returned when a payload does not render as a JSON
// object.
var ErrPayloadNotObject = errors.New("payload is not a JSON object")

func requireObject(b json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrPayloadNotObject
	}
	return trimmed, nil
}
