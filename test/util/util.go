// Package util provides helpers shared by the container backed tests.
package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MosquittoReadyTimeout = 5 * time.Second
	MetricTimeout         = 5 * time.Second

	pollInterval = 50 * time.Millisecond
)

const mosquittoConf = `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
connection_messages true
`

// Broker is a disposable Mosquitto broker running in a container.
type Broker struct {
	URL string

	cont tc.Container
	dir  string
}

// StartMosquitto launches Mosquitto and waits until it accepts clients.
func StartMosquitto(ctx context.Context) (*Broker, error) {
	dir, err := os.MkdirTemp("", "mosq")
	if err != nil {
		return nil, err
	}
	conf := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(conf, []byte(mosquittoConf), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "eclipse-mosquitto:2.0",
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
			Files: []tc.ContainerFile{{
				HostFilePath:      conf,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
		},
		Started: true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("start mosquitto: %w", err)
	}
	b := &Broker{cont: cont, dir: dir}

	host, err := cont.Host(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	port, err := cont.MappedPort(ctx, "1883")
	if err != nil {
		b.Close()
		return nil, err
	}
	b.URL = fmt.Sprintf("tcp://%s:%s", host, port.Port())

	waitCtx, cancel := context.WithTimeout(ctx, MosquittoReadyTimeout)
	defer cancel()
	if err := b.waitReady(waitCtx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Close terminates the container.
func (b *Broker) Close() {
	_ = b.cont.Terminate(context.Background())
	_ = os.RemoveAll(b.dir)
}

func (b *Broker) waitReady(ctx context.Context) error {
	opts := paho.NewClientOptions().AddBroker(b.URL).SetClientID("probe")
	for {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker not ready: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Subscribe delivers messages matching filter on the returned channel until
// the returned stop function is called.
func (b *Broker) Subscribe(clientID, filter string) (<-chan paho.Message, func(), error) {
	msgs := make(chan paho.Message, 32)
	cli := paho.NewClient(paho.NewClientOptions().AddBroker(b.URL).SetClientID(clientID))
	if tok := cli.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", clientID, tok.Error())
	}
	tok := cli.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		select {
		case msgs <- m:
		default:
		}
	})
	if tok.Wait() && tok.Error() != nil {
		cli.Disconnect(100)
		return nil, nil, fmt.Errorf("subscribe %s: %w", filter, tok.Error())
	}
	return msgs, func() { cli.Disconnect(100) }, nil
}

// WaitForMetric polls metricsURL until substr appears in the exposition.
func WaitForMetric(ctx context.Context, metricsURL, substr string) error {
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			body, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if rerr != nil {
				return fmt.Errorf("read metrics body: %w", rerr)
			}
			if strings.Contains(string(body), substr) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("metric %q not found: %w", substr, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
