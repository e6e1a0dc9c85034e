package station

import (
	"context"
	"errors"
)

// Notifier publishes station status changes to interested parties (UI,
// alerting). Implementations are best effort; callers log failures.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, tenantID, stationID string, status Status, message string) error
}

// NopNotifier stands in when the host provides no notification transport.
type NopNotifier struct{}

func (NopNotifier) NotifyStatusChanged(context.Context, string, string, Status, string) error {
	return nil
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	Notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier with the provided notifiers.
func NewMultiNotifier(n ...Notifier) *MultiNotifier {
	return &MultiNotifier{Notifiers: n}
}

// NotifyStatusChanged forwards to every notifier and joins their errors.
func (m *MultiNotifier) NotifyStatusChanged(ctx context.Context, tenantID, stationID string, status Status, message string) error {
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.NotifyStatusChanged(ctx, tenantID, stationID, status, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
