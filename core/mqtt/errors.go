package mqtt

import "errors"

// ErrDisconnected is returned when publishing on a closed client.
var ErrDisconnected = errors.New("mqtt client disconnected")
