package ocpp

import (
	"encoding/json"
	"strconv"
)

// MessageType is the leading discriminator of every frame.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case CallType:
		return "CALL"
	case CallResultType:
		return "CALLRESULT"
	case CallErrorType:
		return "CALLERROR"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// Frame is one decoded wire message.
type Frame interface {
	MessageType() MessageType
	MessageID() string
}

// Call is a request issued by either peer.
type Call struct {
	ID      string
	Action  string
	Payload json.RawMessage
}

func (c *Call) MessageType() MessageType { return CallType }
func (c *Call) MessageID() string        { return c.ID }

// CallResult answers a Call with the same ID.
type CallResult struct {
	ID      string
	Payload json.RawMessage
}

func (c *CallResult) MessageType() MessageType { return CallResultType }
func (c *CallResult) MessageID() string        { return c.ID }

// CallError reports the failure of a Call with the same ID.
type CallError struct {
	ID          string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (c *CallError) MessageType() MessageType { return CallErrorType }
func (c *CallError) MessageID() string        { return c.ID }

// Err converts the frame into an error value for callers awaiting a result.
func (c *CallError) Err() *Error {
	return &Error{Code: c.Code, Description: c.Description, MessageID: c.ID}
}
