package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

const inboxSize = 256

// Broker is an in-process broker with queue and topic semantics close to a
// JMS provider: queues buffer until a consumer arrives, topics drop messages
// nobody is subscribed to, durable subscriptions buffer while inactive.
// The exported fields inject faults and must be set before use.
type Broker struct {
	ConnectErr    error
	SendErr       error
	Drop          bool
	BeforeReceive func()

	mu       sync.Mutex
	queues   map[string]*queue
	topics   map[string]map[*consumer]struct{}
	durables map[string]*durable
	conns    map[*Conn]struct{}
	connects int
	seq      int64
}

type queue struct {
	pending   []*envelope
	consumers []*consumer
	next      int
}

type durable struct {
	topic   string
	pending []*envelope
	active  *consumer
}

type envelope struct {
	id            string
	body          string
	correlationID string
	replyTo       *transport.Destination
	expires       time.Time
}

func (e *envelope) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func NewBroker() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		topics:   make(map[string]map[*consumer]struct{}),
		durables: make(map[string]*durable),
		conns:    make(map[*Conn]struct{}),
	}
}

// Transport returns the broker as a transport.Transport.
func (b *Broker) Transport() transport.Transport { return connector{b} }

type connector struct{ b *Broker }

func (c connector) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Connection, error) {
	return c.b.connect(ctx, opts)
}

func (b *Broker) connect(ctx context.Context, opts transport.ConnectOptions) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	c := &Conn{b: b, clientID: opts.ClientID, done: make(chan struct{})}
	if c.clientID == "" {
		c.clientID = fmt.Sprintf("mem-%d", b.connects)
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Connects reports how many connection attempts were made.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Fail reports err to the failure listener of every open connection.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.fail(err)
	}
}

// Publish delivers msg to dest as if a remote producer had sent it.
func (b *Broker) Publish(dest transport.Destination, msg transport.Outgoing) error {
	return b.publish(dest, b.envelope(msg, 0))
}

// Pending counts messages waiting on a queue.
func (b *Broker) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	n := len(q.pending)
	for _, c := range q.consumers {
		n += len(c.inbox)
	}
	return n
}

// Take removes and returns the oldest message waiting on a queue.
func (b *Broker) Take(queueName string) (transport.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok || len(q.pending) == 0 {
		return nil, false
	}
	env := q.pending[0]
	q.pending = q.pending[1:]
	return &message{env: env}, true
}

func (b *Broker) envelope(msg transport.Outgoing, ttl time.Duration) *envelope {
	id := atomic.AddInt64(&b.seq, 1)
	env := &envelope{
		id:            fmt.Sprintf("ID:mem-%d", id),
		body:          msg.Body,
		correlationID: msg.CorrelationID,
		replyTo:       msg.ReplyTo,
	}
	if ttl > 0 {
		env.expires = time.Now().Add(ttl)
	}
	return env
}

func (b *Broker) publish(dest transport.Destination, env *envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	if b.Drop {
		return nil
	}
	switch dest.Kind {
	case domain.Queue:
		q := b.queue(dest.Name)
		if len(q.consumers) == 0 || !q.offer(env) {
			q.pending = append(q.pending, env)
		}
	case domain.Topic:
		for c := range b.topics[dest.Name] {
			c.offer(env)
		}
		for _, d := range b.durables {
			if d.topic != dest.Name {
				continue
			}
			if d.active == nil || !d.active.offer(env) {
				d.pending = append(d.pending, env)
			}
		}
	}
	return nil
}

func (b *Broker) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// offer hands env to the next consumer in round-robin order.
func (q *queue) offer(env *envelope) bool {
	for range q.consumers {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		if c.offer(env) {
			return true
		}
	}
	return false
}

func (b *Broker) attach(c *consumer, dest transport.Destination, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case dest.Kind == domain.Queue:
		q := b.queue(dest.Name)
		q.consumers = append(q.consumers, c)
		for len(q.pending) > 0 && c.offer(q.pending[0]) {
			q.pending = q.pending[1:]
		}
	case key != "":
		d, ok := b.durables[key]
		if !ok {
			d = &durable{topic: dest.Name}
			b.durables[key] = d
		}
		if d.active != nil {
			return fmt.Errorf("memory: durable subscription %q already active", key)
		}
		d.active = c
		for len(d.pending) > 0 && c.offer(d.pending[0]) {
			d.pending = d.pending[1:]
		}
	default:
		subs, ok := b.topics[dest.Name]
		if !ok {
			subs = make(map[*consumer]struct{})
			b.topics[dest.Name] = subs
		}
		subs[c] = struct{}{}
	}
	return nil
}

// detach unregisters c and returns undelivered messages to their queue or
// durable subscription.
func (b *Broker) detach(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var left []*envelope
	for {
		select {
		case env := <-c.inbox:
			left = append(left, env)
			continue
		default:
		}
		break
	}
	switch {
	case c.dest.Kind == domain.Queue:
		q := b.queue(c.dest.Name)
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		q.pending = append(left, q.pending...)
	case c.durableKey != "":
		if d, ok := b.durables[c.durableKey]; ok && d.active == c {
			d.active = nil
			d.pending = append(left, d.pending...)
		}
	default:
		delete(b.topics[c.dest.Name], c)
	}
}

func (b *Broker) forget(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

// Conn is one client connection to the Broker.
type Conn struct {
	b        *Broker
	clientID string

	mu       sync.Mutex
	listener transport.FailureListener
	sessions []*session

	closeOnce sync.Once
	done      chan struct{}

	sent, received, acked, commits atomic.Int64
}

func (c *Conn) SetFailureListener(l transport.FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(err)
	}
}

func (c *Conn) OpenSession(transacted bool, ack domain.AckMode) (transport.Session, error) {
	if c.closed() {
		return nil, transport.ErrClosed
	}
	s := &session{conn: c, transacted: transacted, ack: ack}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		sessions := c.sessions
		c.sessions = nil
		c.mu.Unlock()
		for _, s := range sessions {
			_ = s.Close()
		}
		c.b.forget(c)
	})
	return nil
}

func (c *Conn) Stats() transport.Stats {
	return transport.Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Acknowledged:     c.acked.Load(),
		Commits:          c.commits.Load(),
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type staged struct {
	dest transport.Destination
	env  *envelope
}

type session struct {
	conn       *Conn
	transacted bool
	ack        domain.AckMode

	mu        sync.Mutex
	staged    []staged
	consumers []*consumer
}

func (s *session) Destination(name string, kind domain.DestinationKind) (transport.Destination, error) {
	return transport.NewDestination(name, kind)
}

func (s *session) Producer(dest *transport.Destination, opts transport.ProducerOptions) (transport.Producer, error) {
	return &producer{s: s, dest: dest, opts: opts}, nil
}

func (s *session) Consumer(dest transport.Destination, subscription string) (transport.Consumer, error) {
	if s.conn.closed() {
		return nil, transport.ErrClosed
	}
	c := &consumer{
		s:     s,
		dest:  dest,
		inbox: make(chan *envelope, inboxSize),
		done:  make(chan struct{}),
	}
	if subscription != "" && dest.Kind == domain.Topic {
		c.durableKey = s.conn.clientID + "|" + subscription
	}
	if err := s.conn.b.attach(c, dest, c.durableKey); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

func (s *session) send(dest transport.Destination, env *envelope) error {
	if s.conn.closed() {
		return transport.ErrClosed
	}
	if s.transacted {
		s.mu.Lock()
		s.staged = append(s.staged, staged{dest, env})
		s.mu.Unlock()
		return nil
	}
	if err := s.conn.b.publish(dest, env); err != nil {
		return err
	}
	s.conn.sent.Add(1)
	return nil
}

// Commit publishes staged messages.
func (s *session) Commit() error {
	if !s.transacted {
		return transport.ErrNotTransacted
	}
	s.mu.Lock()
	pending := s.staged
	s.staged = nil
	s.mu.Unlock()
	for _, st := range pending {
		if err := s.conn.b.publish(st.dest, st.env); err != nil {
			return err
		}
		s.conn.sent.Add(1)
	}
	s.conn.commits.Add(1)
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.staged = nil
	s.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

type producer struct {
	s    *session
	dest *transport.Destination
	opts transport.ProducerOptions
}

func (p *producer) Send(ctx context.Context, msg transport.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := p.dest
	if msg.To != nil {
		to = msg.To
	}
	if to == nil {
		return transport.ErrNoDestination
	}
	return p.s.send(*to, p.s.conn.b.envelope(msg, p.opts.TTL))
}

func (p *producer) Close() error { return nil }

type consumer struct {
	s          *session
	dest       transport.Destination
	durableKey string
	inbox      chan *envelope

	handlerOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

func (c *consumer) offer(env *envelope) bool {
	select {
	case c.inbox <- env:
		return true
	default:
		return false
	}
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (transport.Message, error) {
	if hook := c.s.conn.b.BeforeReceive; hook != nil {
		hook()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-c.inbox:
			if env.expired(time.Now()) {
				continue
			}
			return c.deliver(env), nil
		case <-timer.C:
			return nil, nil
		case <-c.done:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *consumer) SetHandler(h func(transport.Message)) error {
	err := transport.ErrHandlerPresent
	c.handlerOnce.Do(func() {
		err = nil
		go func() {
			for {
				select {
				case env := <-c.inbox:
					if env.expired(time.Now()) {
						continue
					}
					h(c.deliver(env))
				case <-c.done:
					return
				}
			}
		}()
	})
	return err
}

func (c *consumer) deliver(env *envelope) *message {
	c.s.conn.received.Add(1)
	m := &message{env: env}
	if c.s.ack == domain.ClientAcknowledge && !c.s.transacted {
		m.conn = c.s.conn
	}
	return m
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.s.conn.b.detach(c)
	})
	return nil
}

type message struct {
	env  *envelope
	conn *Conn
	once sync.Once
}

func (m *message) Body() []byte                    { return []byte(m.env.body) }
func (m *message) ID() string                      { return m.env.id }
func (m *message) CorrelationID() string           { return m.env.correlationID }
func (m *message) ReplyTo() *transport.Destination { return m.env.replyTo }

// Acknowledge counts once for CLIENT_ACKNOWLEDGE sessions; other modes
// acknowledge on delivery.
func (m *message) Acknowledge() error {
	if m.conn == nil {
		return nil
	}
	if m.conn.closed() {
		return transport.ErrClosed
	}
	m.once.Do(func() { m.conn.acked.Add(1) })
	return nil
}
