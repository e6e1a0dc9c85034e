package mqtt

// Publisher publishes payloads on MQTT topics. Implementations handle
// reconnects and retries themselves.
type Publisher interface {
	// Publish sends payload on topic. Retained messages are kept by the
	// broker and delivered to late subscribers.
	Publish(topic string, payload []byte, retained bool) error

	// Disconnect closes the broker connection.
	Disconnect()
}
