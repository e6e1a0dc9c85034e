// Package factory provides a small generic registry used to instantiate modules
// from configuration. Modules are defined by a type string and a map of raw
// settings. Factories decode the settings into typed structs and return the
// concrete implementation. Notifiers and metrics sinks are both built this way.
//
// Example usage:
//
//	reg := factory.NewRegistry[station.Notifier]()
//	reg.Register("nats", func(conf map[string]any) (station.Notifier, error) {
//	    var c struct{ URL string `json:"url"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return notify.NewNATSNotifier(notify.NATSConfig{URL: c.URL})
//	})
//	n, err := reg.Create(factory.ModuleConfig{Type: "nats", Conf: map[string]any{"url": "nats://localhost:4222"}})
package factory
