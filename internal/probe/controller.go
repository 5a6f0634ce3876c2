package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/config"
	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

// Payload is the body of the test message.
const Payload = "Broker connection testing!"

// Controller runs one connect/send/receive cycle against a broker.
type Controller struct {
	Config    config.Config
	Transport transport.Transport
	Logger    *zap.Logger
	// Out receives the summary line and, in verbose mode, diagnostics.
	Out io.Writer
	// LoadTLS builds the client TLS config from the configured stores.
	LoadTLS func(config.TLS, *zap.Logger) (*tls.Config, error)
	// Exit ends the process when a listener-mode delivery fails.
	Exit func(code int)
}

// Run executes the probe and prints the summary line. It never panics on
// broker errors; every failure ends up in the returned Result.
func (c *Controller) Run(ctx context.Context) Result {
	start := time.Now()
	r := c.newRun()

	res := r.execute(ctx)
	res.Duration = time.Since(start)

	fmt.Fprintln(r.out, res.Summary)
	if res.Err != nil && r.cfg.Verbose {
		for i, line := range chain(res.Err) {
			if i == 0 {
				continue
			}
			r.verbosef("  caused by: %s", line)
		}
	}
	r.log.Info("probe_verdict",
		zap.String("verdict", res.Verdict.String()),
		zap.Bool("sent", res.Sent),
		zap.Bool("received", res.Received),
		zap.Duration("duration", res.Duration),
		zap.Error(res.Err),
	)
	return res
}

func (c *Controller) newRun() *run {
	r := &run{
		ctl:  c,
		cfg:  c.Config,
		log:  c.Logger,
		out:  &syncWriter{w: c.Out},
		exit: c.Exit,
		st:   newState(),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.out.w == nil {
		r.out.w = os.Stdout
	}
	if r.exit == nil {
		r.exit = os.Exit
	}
	return r
}

// run holds the resources of one Controller.Run.
type run struct {
	ctl  *Controller
	cfg  config.Config
	log  *zap.Logger
	out  *syncWriter
	exit func(int)
	st   *state

	conn     transport.Connection
	session  transport.Session
	producer transport.Producer
	reply    transport.Producer
	consumer transport.Consumer

	correlationID string
	teardownOnce  sync.Once
}

func (r *run) execute(ctx context.Context) Result {
	r.cfg.Normalize()
	if err := r.cfg.Validate(); err != nil {
		return r.unknown(err)
	}
	if err := r.cfg.CheckTLSMaterial(); err != nil {
		return r.unknown(err)
	}

	defer r.teardown()

	if err := r.setup(ctx); err != nil {
		return r.critical(err)
	}
	if err := r.send(ctx); err != nil {
		return r.critical(err)
	}
	if err := r.openConsumer(); err != nil {
		return r.critical(err)
	}

	var err error
	if r.cfg.ReceiveTimeout > 0 {
		err = r.receiveBounded(ctx)
	} else {
		err = r.listen(ctx)
	}
	if err != nil {
		return r.critical(err)
	}
	r.verbosef("Closing connection")
	return r.classify()
}

func (r *run) unknown(err error) Result {
	r.st.finalize(domain.Unknown)
	r.log.Warn("probe_config_error", zap.Error(err))
	return Result{Verdict: domain.Unknown, Summary: err.Error(), Err: err}
}

func (r *run) critical(err error) Result {
	r.st.finalize(domain.Critical)
	sent, received := r.st.snapshot()
	r.log.Error("probe_failed", zap.Error(err))
	return Result{Sent: sent, Received: received, Verdict: domain.Critical, Summary: err.Error(), Err: err}
}

func (r *run) classify() Result {
	sent, received := r.st.snapshot()
	v, summary := Classify(sent, received)
	res := Result{Sent: sent, Received: received}
	res.Verdict = r.st.finalize(v)
	if fault := r.st.faulted(); fault != nil {
		summary = SummaryFault
		res.Err = fault
	}
	res.Summary = summary
	return res
}

func (r *run) setup(ctx context.Context) error {
	var tlsCfg *tls.Config
	if r.cfg.TLS.Enabled() && r.ctl.LoadTLS != nil {
		var err error
		if tlsCfg, err = r.ctl.LoadTLS(r.cfg.TLS, r.log); err != nil {
			return phaseErr(PhaseConnect, err)
		}
	}

	opts := transport.ConnectOptions{
		URL:      r.cfg.URL,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
		Durable:  r.cfg.Durable,
		TLS:      tlsCfg,
	}
	if r.cfg.Durable {
		opts.ClientID = r.cfg.ConsumerName
	}
	conn, err := r.ctl.Transport.Connect(ctx, opts)
	if err != nil {
		return phaseErr(PhaseConnect, err)
	}
	r.conn = conn
	conn.SetFailureListener(r.onFailure)
	r.log.Info("probe_connect", zap.String("url", r.cfg.URL), zap.Bool("tls", tlsCfg != nil))

	if r.session, err = conn.OpenSession(r.cfg.Transacted, r.cfg.AckMode); err != nil {
		return phaseErr(PhaseSession, err)
	}
	dest, err := r.session.Destination(r.cfg.Destination, r.cfg.Kind)
	if err != nil {
		return phaseErr(PhaseSession, err)
	}
	if r.reply, err = r.session.Producer(nil, transport.ProducerOptions{Delivery: domain.NonPersistent}); err != nil {
		return phaseErr(PhaseSession, err)
	}
	r.producer, err = r.session.Producer(&dest, transport.ProducerOptions{
		Delivery: r.cfg.Delivery,
		TTL:      r.cfg.TimeToLive,
	})
	if err != nil {
		return phaseErr(PhaseSession, err)
	}
	return nil
}

func (r *run) onFailure(err error) {
	r.log.Error("probe_transport_fault", zap.Error(err))
	r.st.fail(err)
}

func (r *run) send(ctx context.Context) error {
	r.correlationID = uuid.NewString()
	r.verbosef("Sending message: %s", Payload)
	err := r.producer.Send(ctx, transport.Outgoing{Body: Payload, CorrelationID: r.correlationID})
	if err != nil {
		return phaseErr(PhaseSend, err)
	}
	r.st.markSent()
	if r.cfg.Transacted {
		if err := r.session.Commit(); err != nil {
			return phaseErr(PhaseSend, fmt.Errorf("commit: %w", err))
		}
	}
	r.log.Info("probe_sent",
		zap.String("destination", r.cfg.Destination),
		zap.String("kind", string(r.cfg.Kind)),
		zap.String("delivery", r.cfg.Delivery.String()),
		zap.String("correlation_id", r.correlationID),
	)

	if r.cfg.Verbose {
		r.verbosef("Done.")
		if sr, ok := r.conn.(transport.StatsReporter); ok {
			s := sr.Stats()
			r.verbosef("connection stats:")
			r.verbosef("  messagesSent = %d", s.MessagesSent)
			r.verbosef("  messagesReceived = %d", s.MessagesReceived)
			r.verbosef("  acknowledged = %d", s.Acknowledged)
			r.verbosef("  commits = %d", s.Commits)
		}
	}
	return nil
}

func (r *run) openConsumer() error {
	dest, err := r.session.Destination(r.cfg.Destination, r.cfg.Kind)
	if err != nil {
		return phaseErr(PhaseReceive, err)
	}
	var subscription string
	if r.cfg.Durable && r.cfg.Kind == domain.Topic {
		subscription = r.cfg.ConsumerName
	}
	if r.consumer, err = r.session.Consumer(dest, subscription); err != nil {
		return phaseErr(PhaseReceive, err)
	}
	return nil
}

// receiveBounded stops at the first message, the first empty window, or a
// transport fault. The fault does not interrupt a receive in progress.
func (r *run) receiveBounded(ctx context.Context) error {
	r.verbosef("We will consume messages while they continue to be delivered within: %d ms, and then we will shutdown",
		r.cfg.ReceiveTimeout.Milliseconds())
	for r.st.isRunning() && !r.st.isReceived() {
		m, err := r.consumer.Receive(ctx, r.cfg.ReceiveTimeout)
		if err != nil {
			return phaseErr(PhaseReceive, err)
		}
		if m == nil {
			r.log.Debug("probe_receive_timeout", zap.Duration("timeout", r.cfg.ReceiveTimeout))
			return nil
		}
		if err := r.handle(ctx, m); err != nil {
			return phaseErr(PhaseDeliver, err)
		}
	}
	return nil
}

// listen hands delivery to the transport and waits for the run context to
// end or a transport fault.
func (r *run) listen(ctx context.Context) error {
	r.log.Warn("probe_listener_mode", zap.String("note", "receive timeout is 0; waiting for a signal to stop"))
	err := r.consumer.SetHandler(func(m transport.Message) {
		if err := r.handle(ctx, m); err != nil {
			fmt.Fprintf(r.out, "CRITICAL: %v\n", err)
			r.log.Error("probe_delivery_failed", zap.Error(err))
			_ = r.log.Sync()
			r.exit(int(domain.Critical))
		}
	})
	if err != nil {
		return phaseErr(PhaseReceive, err)
	}
	select {
	case <-ctx.Done():
	case <-r.st.stopped():
	}
	return nil
}

// handle processes one delivered message.
func (r *run) handle(ctx context.Context, m transport.Message) error {
	if r.st.markReceived() {
		r.log.Info("probe_received", zap.String("message_id", m.ID()))
	}
	r.verbosef("Received: %s", m.Body())
	if id := m.CorrelationID(); id != r.correlationID {
		r.log.Debug("probe_correlation_mismatch",
			zap.String("expected", r.correlationID),
			zap.String("got", id),
		)
	}

	if to := m.ReplyTo(); to != nil {
		err := r.reply.Send(ctx, transport.Outgoing{
			Body:          "Reply: " + m.ID(),
			To:            to,
			CorrelationID: m.CorrelationID(),
		})
		if err != nil {
			return fmt.Errorf("reply to %s: %w", to, err)
		}
		r.log.Debug("probe_reply", zap.Stringer("to", to))
	}

	switch {
	case r.cfg.Transacted:
		if err := r.session.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	case r.cfg.AckMode == domain.ClientAcknowledge:
		if err := m.Acknowledge(); err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
	}
	return nil
}

// teardown closes everything that was opened, once. Errors are logged and
// never change the verdict.
func (r *run) teardown() {
	r.teardownOnce.Do(func() {
		var err error
		if r.consumer != nil {
			err = multierr.Append(err, r.consumer.Close())
		}
		if r.producer != nil {
			err = multierr.Append(err, r.producer.Close())
		}
		if r.reply != nil {
			err = multierr.Append(err, r.reply.Close())
		}
		if r.session != nil {
			err = multierr.Append(err, r.session.Close())
		}
		if r.conn != nil {
			err = multierr.Append(err, r.conn.Close())
		}
		if err != nil {
			r.log.Warn("probe_teardown_error", zap.Error(err))
		}
	})
}

func (r *run) verbosef(format string, args ...interface{}) {
	if !r.cfg.Verbose {
		return
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// syncWriter serializes writes from the run sequence and delivery
// goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
