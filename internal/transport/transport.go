package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/hamed0406/brokerprobe/internal/domain"
)

// Ports (interfaces) for a message-broker client. The probe depends only on
// these; stomp, mqtt and memory provide adapters.

var (
	ErrClosed         = errors.New("transport: closed")
	ErrNoDestination  = errors.New("transport: producer has no destination")
	ErrNotTransacted  = errors.New("transport: session is not transacted")
	ErrUnsupported    = errors.New("transport: operation not supported")
	ErrHandlerPresent = errors.New("transport: consumer already has a handler")
)

type ConnectOptions struct {
	URL      string
	Username string
	Password string
	// ClientID identifies the connection to the broker. Durable
	// subscriptions are keyed by it; empty lets the adapter pick one.
	ClientID string
	// Durable asks the adapter to keep broker-side session state across
	// connections where the protocol makes that a connect-time choice.
	Durable bool
	TLS     *tls.Config
}

type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) (Connection, error)
}

// FailureListener receives asynchronous connection faults. It may be called
// from any goroutine.
type FailureListener func(err error)

type Connection interface {
	SetFailureListener(l FailureListener)
	OpenSession(transacted bool, ack domain.AckMode) (Session, error)
	// Close must be safe to call more than once.
	Close() error
}

type Destination struct {
	Name string
	Kind domain.DestinationKind
	// Raw is the broker address as received, e.g. a temporary reply
	// destination. Adapters send to it unchanged when set.
	Raw string
}

func (d Destination) String() string {
	if d.Raw != "" {
		return d.Raw
	}
	return string(d.Kind) + "://" + d.Name
}

// NewDestination validates name and kind.
func NewDestination(name string, kind domain.DestinationKind) (Destination, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Destination{}, errors.New("transport: empty destination name")
	}
	if kind != domain.Queue && kind != domain.Topic {
		return Destination{}, errors.New("transport: unknown destination kind " + string(kind))
	}
	return Destination{Name: name, Kind: kind}, nil
}

type ProducerOptions struct {
	Delivery domain.DeliveryMode
	TTL      time.Duration
}

type Session interface {
	Destination(name string, kind domain.DestinationKind) (Destination, error)
	// Producer with a nil destination is unbound; each Outgoing must then
	// carry To.
	Producer(dest *Destination, opts ProducerOptions) (Producer, error)
	// Consumer with a non-empty subscription on a topic is a durable
	// subscriber.
	Consumer(dest Destination, subscription string) (Consumer, error)
	Commit() error
	Close() error
}

type Outgoing struct {
	Body          string
	To            *Destination
	ReplyTo       *Destination
	CorrelationID string
}

type Producer interface {
	Send(ctx context.Context, msg Outgoing) error
	Close() error
}

type Message interface {
	Body() []byte
	ID() string
	CorrelationID() string
	ReplyTo() *Destination
	Acknowledge() error
}

type Consumer interface {
	// Receive returns (nil, nil) when nothing arrives within timeout.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	// SetHandler switches the consumer to asynchronous delivery. The
	// handler runs on a transport goroutine.
	SetHandler(h func(Message)) error
	Close() error
}

type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	Acknowledged     int64
	Commits          int64
}

// StatsReporter is implemented by connections that keep counters.
type StatsReporter interface {
	Stats() Stats
}
