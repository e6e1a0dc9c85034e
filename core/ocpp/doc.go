// Package ocpp implements the OCPP-J frame codec.
//
// Three frame kinds travel over the station websocket, each a JSON array:
//
//	CALL:       [2, "<id>", "<action>", {payload}]
//	CALLRESULT: [3, "<id>", {payload}]
//	CALLERROR:  [4, "<id>", "<errorCode>", "<errorDescription>", {details}]
//
// Parse turns raw text into one of Call, CallResult or CallError. Decoding
// failures are reported as *Error values carrying an OCPP error code so the
// caller can answer the peer with a CALLERROR on the same message id.
//
// Payload structs follow the OCPP serialization rules: lower camel case
// field names, optional fields omitted when empty and timestamps rendered
// in UTC with an explicit "Z" marker (see DateTime).
package ocpp
