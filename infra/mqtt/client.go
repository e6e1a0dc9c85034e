package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremon "github.com/kilianp07/ocppgw/core/monitoring"
	coremqtt "github.com/kilianp07/ocppgw/core/mqtt"
	"github.com/kilianp07/ocppgw/infra/logger"
)

// Presence payloads published retained on Config.PresenceTopic.
const (
	PresenceOnline  = `{"status":"online"}`
	PresenceOffline = `{"status":"offline"}`
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	QoS      byte   `json:"qos"`

	TLS      bool   `json:"tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`

	// PresenceTopic receives a retained online message on connect and an
	// offline message on disconnect, also registered as the broker will.
	PresenceTopic string `json:"presence_topic"`

	MaxRetries     int           `json:"max_retries"`
	Backoff        time.Duration `json:"backoff"`
	PublishTimeout time.Duration `json:"publish_timeout"`

	TLSConfig *tls.Config `json:"-"`
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// PahoClient implements the core Publisher interface using Eclipse Paho.
type PahoClient struct {
	cli pahoClient
	cfg Config
	log logger.Logger

	mu     sync.Mutex
	closed bool
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

var _ coremqtt.Publisher = (*PahoClient)(nil)

var errPublishTimeout = errors.New("publish timed out")

// NewPahoClient connects to the MQTT broker.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.setDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	pc := &PahoClient{cfg: cfg, log: logger.New("mqtt_client")}
	opts.OnConnect = func(c paho.Client) {
		pc.log.Infof("MQTT connected to %s", cfg.Broker)
		if cfg.PresenceTopic != "" {
			c.Publish(cfg.PresenceTopic, cfg.QoS, true, PresenceOnline)
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		pc.log.Errorf("MQTT connection lost: %v", err)
	}
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		pc.log.Warnf("reconnecting to %s", cfg.Broker)
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, token.Error())
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds paho client options from cfg.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.PresenceTopic != "" {
		opts.SetWill(cfg.PresenceTopic, PresenceOffline, cfg.QoS, true)
	}
	return opts, nil
}

// LoadTLSConfig builds a client TLS configuration. The CA file is required;
// the client certificate is optional for brokers without mutual TLS.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.CAFile == "" {
		return nil, fmt.Errorf("tls requires ca_file")
	}
	caBytes, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates in %s", c.CAFile)
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case c.CertFile != "" || c.KeyFile != "":
		return nil, fmt.Errorf("cert_file and key_file must be set together")
	}
	return cfg, nil
}

// Publish sends payload on topic, retrying with exponential backoff.
func (p *PahoClient) Publish(topic string, payload []byte, retained bool) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return coremqtt.ErrDisconnected
	}
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err = p.publishOnce(topic, payload, retained); err == nil {
			p.log.Debugf("published %d bytes to %s", len(payload), topic)
			return nil
		}
		p.log.Warnf("publish %s attempt %d: %v", topic, attempt+1, err)
		if attempt < p.cfg.MaxRetries {
			time.Sleep(p.cfg.Backoff << attempt)
		}
	}
	coremon.CaptureException(err, map[string]string{"topic": topic, "module": "mqtt"})
	return fmt.Errorf("publish %s: %w", topic, err)
}

func (p *PahoClient) publishOnce(topic string, payload []byte, retained bool) error {
	token := p.cli.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

// Disconnect marks the gateway offline and closes the connection.
func (p *PahoClient) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if p.cli == nil || !p.cli.IsConnected() {
		return
	}
	if p.cfg.PresenceTopic != "" {
		_ = p.publishOnce(p.cfg.PresenceTopic, []byte(PresenceOffline), true)
	}
	p.cli.Disconnect(250)
}
