// Package infra contains technical adapters such as the station websocket
// server, the SQLite store, MQTT and NATS notifiers and metrics exporters.
// These packages should depend only on the interfaces defined in the core
// packages.
package infra
