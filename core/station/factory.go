package station

import "github.com/kilianp07/ocppgw/core/factory"

var notifierRegistry = factory.NewRegistry[Notifier]()

// RegisterNotifier adds a notifier factory identified by name.
func RegisterNotifier(name string, f factory.Factory[Notifier]) error {
	return notifierRegistry.Register(name, f)
}

// NewNotifier builds the notifier described by cfgs. No configuration yields
// a NopNotifier; several are combined in a MultiNotifier.
func NewNotifier(cfgs []factory.ModuleConfig) (Notifier, error) {
	if len(cfgs) == 0 {
		return NopNotifier{}, nil
	}
	if len(cfgs) == 1 {
		return notifierRegistry.Create(cfgs[0])
	}
	ns := make([]Notifier, len(cfgs))
	for i, c := range cfgs {
		n, err := notifierRegistry.Create(c)
		if err != nil {
			return nil, err
		}
		ns[i] = n
	}
	return NewMultiNotifier(ns...), nil
}
