package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

// TLS is the key and trust material for mutual TLS. Paths are checked
// before any network activity.
type TLS struct {
	TrustStore         string
	TrustStorePassword string
	TrustStoreType     string // jks | pkcs12 | pem
	KeyStore           string
	KeyStorePassword   string
	KeyStoreType       string
	Debug              bool // log handshake details
}

// Enabled reports whether any store path is set.
func (t TLS) Enabled() bool {
	return t.TrustStore != "" || t.KeyStore != ""
}

type Config struct {
	URL      string // broker endpoint, e.g. tcp://localhost:61613 or mqtts://host
	Username string
	Password string

	Destination  string
	Kind         domain.DestinationKind
	Durable      bool
	ConsumerName string // durable subscription name

	Delivery       domain.DeliveryMode
	AckMode        domain.AckMode
	Transacted     bool
	ReceiveTimeout time.Duration // 0 = listener mode, never returns on its own
	TimeToLive     time.Duration // 0 = no expiry

	TLS TLS

	Verbose bool
	Debug   bool

	LogDir          string // empty disables file logging
	MetricsTextfile string // node_exporter textfile collector output
	NotifyWebhook   string // Slack-compatible webhook for non-OK verdicts
}

func Defaults() Config {
	return Config{
		URL:            "tcp://localhost:61613",
		Destination:    "nagiosprobe",
		Kind:           domain.Queue,
		ConsumerName:   "nagioscheck",
		Delivery:       domain.NonPersistent,
		AckMode:        domain.AutoAcknowledge,
		ReceiveTimeout: time.Second,
		TLS: TLS{
			TrustStoreType: "jks",
			KeyStoreType:   "jks",
		},
	}
}

// FromEnv returns Defaults overlaid with PROBE_* variables. Malformed values
// are ignored and the default kept.
func FromEnv() Config {
	cfg := Defaults()

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
				*dst = time.Duration(ms) * time.Millisecond
			}
		}
	}

	str("PROBE_URL", &cfg.URL)
	str("PROBE_USERNAME", &cfg.Username)
	cfg.Password = os.Getenv("PROBE_PASSWORD")
	str("PROBE_SUBJECT", &cfg.Destination)
	str("PROBE_CONSUMER_NAME", &cfg.ConsumerName)

	topic := false
	flag("PROBE_TOPIC", &topic)
	if topic {
		cfg.Kind = domain.Topic
	}
	flag("PROBE_DURABLE", &cfg.Durable)

	persistent := false
	flag("PROBE_PERSISTENT", &persistent)
	if persistent {
		cfg.Delivery = domain.Persistent
	}
	if v := os.Getenv("PROBE_ACK_MODE"); v != "" {
		if mode, err := domain.ParseAckMode(v); err == nil {
			cfg.AckMode = mode
		}
	}
	flag("PROBE_TRANSACTED", &cfg.Transacted)
	millis("PROBE_RECEIVE_TIMEOUT_MS", &cfg.ReceiveTimeout)
	millis("PROBE_TTL_MS", &cfg.TimeToLive)

	str("PROBE_TS", &cfg.TLS.TrustStore)
	cfg.TLS.TrustStorePassword = os.Getenv("PROBE_TSPWD")
	str("PROBE_TSTYPE", &cfg.TLS.TrustStoreType)
	str("PROBE_KS", &cfg.TLS.KeyStore)
	cfg.TLS.KeyStorePassword = os.Getenv("PROBE_KSPWD")
	str("PROBE_KSTYPE", &cfg.TLS.KeyStoreType)
	flag("PROBE_SSL_DEBUG", &cfg.TLS.Debug)

	flag("PROBE_VERBOSE", &cfg.Verbose)
	flag("PROBE_DEBUG", &cfg.Debug)
	str("PROBE_LOG_DIR", &cfg.LogDir)
	str("PROBE_METRICS_TEXTFILE", &cfg.MetricsTextfile)
	str("PROBE_NOTIFY_WEBHOOK", &cfg.NotifyWebhook)

	return cfg
}

// Normalize applies the implications between fields: a SESSION_TRANSACTED
// ack mode means a transacted session.
func (c *Config) Normalize() {
	if c.AckMode == domain.SessionTransacted {
		c.Transacted = true
	}
	c.TLS.TrustStoreType = strings.ToLower(strings.TrimSpace(c.TLS.TrustStoreType))
	c.TLS.KeyStoreType = strings.ToLower(strings.TrimSpace(c.TLS.KeyStoreType))
}

var storeTypes = map[string]bool{"jks": true, "pkcs12": true, "p12": true, "pfx": true, "pem": true}

// Validate checks option consistency. It never touches the filesystem or
// the network; see CheckTLSMaterial.
func (c Config) Validate() error {
	ep, err := transport.ParseEndpoint(c.URL)
	if err != nil {
		return &Error{Field: "url", Value: c.URL, Message: err.Error()}
	}
	if strings.TrimSpace(c.Destination) == "" {
		return &Error{Field: "subject", Message: "destination name is empty"}
	}
	if c.Kind != domain.Queue && c.Kind != domain.Topic {
		return &Error{Field: "kind", Value: c.Kind, Message: "must be queue or topic"}
	}
	if c.ReceiveTimeout < 0 {
		return &Error{Field: "receive-time-out", Value: c.ReceiveTimeout, Message: "must not be negative"}
	}
	if c.TimeToLive < 0 {
		return &Error{Field: "time-to-live", Value: c.TimeToLive, Message: "must not be negative"}
	}
	// durable on a queue is ignored; the consumer is a plain one
	if c.Durable && c.Kind == domain.Topic && strings.TrimSpace(c.ConsumerName) == "" {
		return &Error{Field: "consumer-name", Message: "durable subscriptions need a name"}
	}
	if ep.Protocol == transport.MQTT {
		if c.Kind == domain.Queue {
			return &Error{Field: "queue", Message: "MQTT endpoints only support topics"}
		}
		if c.Transacted || c.AckMode == domain.SessionTransacted {
			return &Error{Field: "transacted", Message: "MQTT endpoints do not support transacted sessions"}
		}
	}
	if c.TLS.Enabled() {
		if !storeTypes[strings.ToLower(c.TLS.TrustStoreType)] {
			return &Error{Field: "tstype", Value: c.TLS.TrustStoreType, Message: "must be jks, pkcs12 or pem"}
		}
		if !storeTypes[strings.ToLower(c.TLS.KeyStoreType)] {
			return &Error{Field: "kstype", Value: c.TLS.KeyStoreType, Message: "must be jks, pkcs12 or pem"}
		}
	}
	return nil
}

// CheckTLSMaterial verifies that both stores exist and are readable when
// TLS material is configured. The trust store is checked first.
func (c Config) CheckTLSMaterial() error {
	if !c.TLS.Enabled() {
		return nil
	}
	if !readable(c.TLS.TrustStore) {
		return &Error{Field: "ts", Value: c.TLS.TrustStore, Summary: "TrustStore file doesn't exists or not readable"}
	}
	if !readable(c.TLS.KeyStore) {
		return &Error{Field: "ks", Value: c.TLS.KeyStore, Summary: "KeyStore file doesn't exists or not readable"}
	}
	return nil
}

func readable(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Error is a configuration problem detected before connecting. Summary,
// when set, is the exact line printed for monitoring systems.
type Error struct {
	Field   string
	Value   interface{}
	Message string
	Summary string
}

func (e *Error) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	msg := "configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in option '%s'", e.Field)
	}
	if e.Value != nil && e.Value != "" {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	return msg + ": " + e.Message
}
