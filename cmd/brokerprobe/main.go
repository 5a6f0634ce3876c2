package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/config"
	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/logging"
	"github.com/hamed0406/brokerprobe/internal/metrics"
	"github.com/hamed0406/brokerprobe/internal/notify"
	"github.com/hamed0406/brokerprobe/internal/probe"
	"github.com/hamed0406/brokerprobe/internal/tlsconf"
	"github.com/hamed0406/brokerprobe/internal/transport"
	"github.com/hamed0406/brokerprobe/internal/transport/memory"
	"github.com/hamed0406/brokerprobe/internal/transport/mqtt"
	"github.com/hamed0406/brokerprobe/internal/transport/stomp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// flags mirrors the configurable fields; only flags given on the command
// line override the environment.
type flags struct {
	envFile string

	url, username, password string
	subject                 string
	topic, queue            bool
	durable                 bool
	consumerName            string
	ackMode                 string
	transacted              bool
	receiveTimeoutMS        int
	ttlMS                   int
	persistent              bool

	ts, tsPwd, tsType string
	ks, ksPwd, ksType string
	sslDebug          bool

	verbose, debug  bool
	logDir          string
	metricsTextfile string
	notifyWebhook   string
}

// optionsError marks command-line problems reported as UNKNOWN.
type optionsError struct{ unknown []string }

func (e *optionsError) Error() string {
	return "UNKNOWN - options: [" + strings.Join(e.unknown, ", ") + "]"
}

func run(args []string, stdout, stderr io.Writer) int {
	var f flags
	code := int(domain.OK)

	root := &cobra.Command{
		Use:   "brokerprobe",
		Short: "Nagios-style connectivity check for a message broker",
		Long: `brokerprobe connects to a broker, sends one test message to a queue or
topic, waits for it to come back and exits with a monitoring verdict:
0=OK, 1=WARNING, 2=CRITICAL, 3=UNKNOWN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, rest []string) error {
			if len(rest) > 0 {
				return &optionsError{unknown: rest}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolve(cmd.Flags(), f)
			if err != nil {
				fmt.Fprintln(stdout, err)
				code = int(domain.Unknown)
				return nil
			}
			code = check(cfg, stdout)
			return nil
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &optionsError{unknown: unknownOptions(cmd.Flags(), args)}
	})

	defaults := config.Defaults()
	fl := root.Flags()
	fl.SortFlags = false
	fl.StringVar(&f.url, "url", defaults.URL, "broker URL (tcp|stomp|ssl|stomp+ssl|mqtt|mqtts|mem)://host[:port]")
	fl.StringVar(&f.username, "username", "", "user name")
	fl.StringVar(&f.password, "password", "", "password")
	fl.StringVar(&f.subject, "subject", defaults.Destination, "destination name")
	fl.BoolVar(&f.topic, "topic", false, "use a topic")
	fl.BoolVar(&f.queue, "queue", false, "use a queue (default)")
	fl.BoolVar(&f.durable, "durable", false, "use a durable topic subscription")
	fl.StringVar(&f.consumerName, "consumer-name", defaults.ConsumerName, "durable subscription name and client id")
	fl.StringVar(&f.ackMode, "ack-mode", defaults.AckMode.String(), "AUTO_ACKNOWLEDGE|CLIENT_ACKNOWLEDGE|DUPS_OK_ACKNOWLEDGE|SESSION_TRANSACTED")
	fl.BoolVar(&f.transacted, "transacted", false, "use a transacted session")
	fl.IntVar(&f.receiveTimeoutMS, "receive-time-out", int(defaults.ReceiveTimeout.Milliseconds()), "receive window in ms; 0 waits for a signal")
	fl.IntVar(&f.ttlMS, "time-to-live", 0, "message time to live in ms; 0 never expires")
	fl.BoolVar(&f.persistent, "persistent", false, "send a persistent message")
	fl.StringVar(&f.ts, "ts", "", "trust store path")
	fl.StringVar(&f.tsPwd, "tspwd", "", "trust store password")
	fl.StringVar(&f.tsType, "tstype", defaults.TLS.TrustStoreType, "trust store type (jks|pkcs12|pem)")
	fl.StringVar(&f.ks, "ks", "", "key store path")
	fl.StringVar(&f.ksPwd, "kspwd", "", "key store password")
	fl.StringVar(&f.ksType, "kstype", defaults.TLS.KeyStoreType, "key store type (jks|pkcs12|pem)")
	fl.BoolVar(&f.sslDebug, "ssldebug", false, "log TLS handshake details")
	fl.BoolVar(&f.verbose, "verbose", false, "print diagnostics to stdout")
	fl.BoolVar(&f.debug, "debug", false, "debug logging to stderr")
	fl.StringVar(&f.logDir, "log-dir", "", "directory for the rotated JSON log")
	fl.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write Prometheus textfile metrics here")
	fl.StringVar(&f.notifyWebhook, "notify-webhook", "", "Slack-compatible webhook for non-OK verdicts")
	fl.StringVar(&f.envFile, "env-file", "", "load PROBE_* variables from this file")

	if err := root.Execute(); err != nil {
		var oerr *optionsError
		if errors.As(err, &oerr) {
			fmt.Fprintln(stdout, oerr)
		} else {
			fmt.Fprintln(stdout, "UNKNOWN - "+err.Error())
		}
		return int(domain.Unknown)
	}
	return code
}

// resolve layers defaults, the env file, the environment and the flags that
// were set explicitly.
func resolve(fs *pflag.FlagSet, f flags) (config.Config, error) {
	if f.envFile != "" {
		// variables already in the environment win over the file
		if err := godotenv.Load(f.envFile); err != nil {
			return config.Config{}, &config.Error{Field: "env-file", Value: f.envFile, Message: err.Error()}
		}
	}
	cfg := config.FromEnv()

	set := fs.Changed
	if set("url") {
		cfg.URL = f.url
	}
	if set("username") {
		cfg.Username = f.username
	}
	if set("password") {
		cfg.Password = f.password
	}
	if set("subject") {
		cfg.Destination = f.subject
	}
	if set("topic") && f.topic {
		cfg.Kind = domain.Topic
	}
	if set("queue") && f.queue {
		cfg.Kind = domain.Queue
	}
	if set("topic") && set("queue") && f.topic && f.queue {
		return config.Config{}, &config.Error{Field: "topic", Message: "--topic and --queue are mutually exclusive"}
	}
	if set("durable") {
		cfg.Durable = f.durable
	}
	if set("consumer-name") {
		cfg.ConsumerName = f.consumerName
	}
	if set("ack-mode") {
		mode, err := domain.ParseAckMode(f.ackMode)
		if err != nil {
			return config.Config{}, &config.Error{Field: "ack-mode", Value: f.ackMode, Message: err.Error()}
		}
		cfg.AckMode = mode
	}
	if set("transacted") {
		cfg.Transacted = f.transacted
	}
	if set("receive-time-out") {
		cfg.ReceiveTimeout = time.Duration(f.receiveTimeoutMS) * time.Millisecond
	}
	if set("time-to-live") {
		cfg.TimeToLive = time.Duration(f.ttlMS) * time.Millisecond
	}
	if set("persistent") {
		cfg.Delivery = domain.NonPersistent
		if f.persistent {
			cfg.Delivery = domain.Persistent
		}
	}
	if set("ts") {
		cfg.TLS.TrustStore = f.ts
	}
	if set("tspwd") {
		cfg.TLS.TrustStorePassword = f.tsPwd
	}
	if set("tstype") {
		cfg.TLS.TrustStoreType = f.tsType
	}
	if set("ks") {
		cfg.TLS.KeyStore = f.ks
	}
	if set("kspwd") {
		cfg.TLS.KeyStorePassword = f.ksPwd
	}
	if set("kstype") {
		cfg.TLS.KeyStoreType = f.ksType
	}
	if set("ssldebug") {
		cfg.TLS.Debug = f.sslDebug
	}
	if set("verbose") {
		cfg.Verbose = f.verbose
	}
	if set("debug") {
		cfg.Debug = f.debug
	}
	if set("log-dir") {
		cfg.LogDir = f.logDir
	}
	if set("metrics-textfile") {
		cfg.MetricsTextfile = f.metricsTextfile
	}
	if set("notify-webhook") {
		cfg.NotifyWebhook = f.notifyWebhook
	}
	return cfg, nil
}

// unknownOptions lists the arguments the flag set does not define.
func unknownOptions(fs *pflag.FlagSet, args []string) []string {
	var out []string
	for _, a := range args {
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			continue
		}
		name := strings.TrimLeft(a, "-")
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if strings.HasPrefix(a, "--") {
			if fs.Lookup(name) == nil {
				out = append(out, a)
			}
			continue
		}
		if len(name) != 1 || fs.ShorthandLookup(name) == nil {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		out = args
	}
	return out
}

// check runs one probe and returns the process exit code.
func check(cfg config.Config, stdout io.Writer) int {
	logger, err := logging.NewLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		fmt.Fprintf(stdout, "UNKNOWN - log dir: %v\n", err)
		return int(domain.Unknown)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl := &probe.Controller{
		Config:    cfg,
		Transport: newTransport(cfg.URL, logger),
		Logger:    logger,
		Out:       stdout,
		LoadTLS:   tlsconf.Load,
		Exit:      os.Exit,
	}
	res := ctl.Run(ctx)

	if cfg.MetricsTextfile != "" {
		rec := metrics.NewRecorder(cfg.URL, cfg.Destination)
		rec.Observe(res, time.Now())
		if err := rec.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("metrics_write_failed", zap.String("path", cfg.MetricsTextfile), zap.Error(err))
		}
	}
	if s := notify.NewSlack(cfg.NotifyWebhook); s != nil {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notify.Verdict(nctx, s, cfg.URL, cfg.Destination, res); err != nil {
			logger.Warn("notify_failed", zap.Error(err))
		}
	}
	return res.Verdict.ExitCode()
}

// newTransport picks the adapter for the URL scheme. An unparsable URL
// yields nil; validation rejects it before the transport is used.
func newTransport(url string, logger *zap.Logger) transport.Transport {
	ep, err := transport.ParseEndpoint(url)
	if err != nil {
		return nil
	}
	switch ep.Protocol {
	case transport.MQTT:
		return mqtt.New(logger)
	case transport.Memory:
		// loopback self-check: a private in-process broker
		return memory.NewBroker().Transport()
	default:
		return stomp.New(logger)
	}
}
