package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	coremqtt "github.com/kilianp07/ocppgw/core/mqtt"
	"github.com/kilianp07/ocppgw/core/station"
)

// MQTTNotifier publishes retained status messages on
// <prefix>/<tenant>/<station>/status.
type MQTTNotifier struct {
	pub    coremqtt.Publisher
	prefix string
	now    func() time.Time
}

// NewMQTTNotifier creates a notifier publishing through pub.
func NewMQTTNotifier(pub coremqtt.Publisher, prefix string) *MQTTNotifier {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "ocpp"
	}
	return &MQTTNotifier{pub: pub, prefix: prefix, now: time.Now}
}

// Topic returns the status topic of a station.
func (n *MQTTNotifier) Topic(tenantID, stationID string) string {
	return fmt.Sprintf("%s/%s/%s/status", n.prefix, token(tenantOrDefault(tenantID)), token(stationID))
}

func (n *MQTTNotifier) NotifyStatusChanged(_ context.Context, tenantID, stationID string, status station.Status, message string) error {
	payload, err := encode(tenantID, stationID, status, message, n.now())
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Topic(tenantID, stationID), payload, true)
}

// Close disconnects the underlying publisher.
func (n *MQTTNotifier) Close() {
	n.pub.Disconnect()
}
