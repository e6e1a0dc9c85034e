package notify

import (
	"context"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/station"
)

// LogNotifier writes status changes to the log.
type LogNotifier struct {
	log logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyStatusChanged(_ context.Context, tenantID, stationID string, status station.Status, message string) error {
	n.log.Infof("station %s of tenant %s is now %s: %s", stationID, tenantOrDefault(tenantID), status, message)
	return nil
}
