package metrics

import "time"

// Direction tells whether a frame was received from or sent to a station.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// FrameEvent is one OCPP frame crossing the wire.
type FrameEvent struct {
	StationID string
	Direction Direction
	// Type is CALL, CALLRESULT or CALLERROR.
	Type   string
	Action string
	// ErrorCode is set for CALLERROR frames and for frames that failed to parse.
	ErrorCode string
	Time      time.Time
}

// MetricsSink records frame level events.
type MetricsSink interface {
	RecordFrame(ev FrameEvent) error
}

// Command outcomes.
const (
	OutcomeResult     = "result"
	OutcomeError      = "error"
	OutcomeExpired    = "expired"
	OutcomeSendFailed = "send_failed"
)

// CommandEvent captures the outcome of a server initiated CALL.
type CommandEvent struct {
	StationID string
	Action    string
	MessageID string
	Outcome   string
	Latency   time.Duration
	Time      time.Time
}

// CommandRecorder records command outcomes and latency.
type CommandRecorder interface {
	RecordCommand(ev CommandEvent) error
}

// ConnectionEvent records a station connecting or disconnecting.
type ConnectionEvent struct {
	StationID string
	Connected bool
	// Active is the number of registered stations after the event.
	Active int
	Reason string
	Time   time.Time
}

// ConnectionRecorder records connection events.
type ConnectionRecorder interface {
	RecordConnection(ev ConnectionEvent) error
}

// PendingRecorder records the size of the pending request table.
type PendingRecorder interface {
	RecordPending(n int) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordFrame(FrameEvent) error           { return nil }
func (NopSink) RecordCommand(CommandEvent) error       { return nil }
func (NopSink) RecordConnection(ConnectionEvent) error { return nil }
func (NopSink) RecordPending(int) error                { return nil }

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordFrame forwards the event to all sinks, returning the first error encountered.
func (m *MultiSink) RecordFrame(ev FrameEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordFrame(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand forwards command outcomes when supported by the sink.
func (m *MultiSink) RecordCommand(ev CommandEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(CommandRecorder); ok {
			if err := rec.RecordCommand(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordConnection forwards connection events when supported by the sink.
func (m *MultiSink) RecordConnection(ev ConnectionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ConnectionRecorder); ok {
			if err := rec.RecordConnection(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordPending forwards the pending table size when supported by the sink.
func (m *MultiSink) RecordPending(n int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PendingRecorder); ok {
			if err := rec.RecordPending(n); err != nil {
				return err
			}
		}
	}
	return nil
}
