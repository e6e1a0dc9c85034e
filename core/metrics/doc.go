package metrics

// Package metrics defines the events the gateway reports for observability:
// frames crossing the wire, outcomes of server initiated commands, station
// connections and the size of the pending request table. Sinks like PromSink
// and InfluxSink record them and can be combined with NewMultiSink. Optional
// recorder interfaces are discovered with type assertions, so a sink only
// implements what it can store.
