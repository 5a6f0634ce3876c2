// cmd/preflight/main.go
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hamed0406/brokerprobe/internal/config"
	"github.com/hamed0406/brokerprobe/internal/domain"
	"github.com/hamed0406/brokerprobe/internal/tlsconf"
	"github.com/hamed0406/brokerprobe/internal/transport"
)

// preflight checks the PROBE_* configuration and TLS material without
// touching the network. An optional argument names an env file.
func main() {
	os.Exit(preflight(os.Args[1:], os.Stdout, os.Stderr))
}

func preflight(args []string, stdout, stderr io.Writer) int {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Fprintln(stdout, "✔", msg) }

	if len(args) > 0 {
		if err := godotenv.Load(args[0]); err != nil {
			fail("env file: " + err.Error())
			return int(domain.Unknown)
		}
		ok("loaded " + args[0])
	}

	cfg := config.FromEnv()
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		fail(err.Error())
		return int(domain.Unknown)
	}
	ep, _ := transport.ParseEndpoint(cfg.URL)
	ok(fmt.Sprintf("PROBE_URL=%s (%s at %s)", cfg.URL, ep.Protocol, ep.Addr()))
	ok(fmt.Sprintf("destination %s://%s", cfg.Kind, cfg.Destination))

	if cfg.Username == "" {
		warn("PROBE_USERNAME empty; connecting anonymously.")
	}
	if cfg.ReceiveTimeout == 0 {
		warn("PROBE_RECEIVE_TIMEOUT_MS=0 puts the probe in listener mode; it only stops on a signal.")
	}
	if cfg.Durable {
		ok("durable subscription " + cfg.ConsumerName)
	}

	switch {
	case !cfg.TLS.Enabled() && ep.Secure:
		warn("secure endpoint without PROBE_TS/PROBE_KS; system roots are used and no client certificate is sent.")
	case cfg.TLS.Enabled():
		if err := cfg.CheckTLSMaterial(); err != nil {
			fail(err.Error())
			break
		}
		if _, err := tlsconf.Load(cfg.TLS, zap.NewNop()); err != nil {
			fail("TLS material: " + err.Error())
			break
		}
		ok(fmt.Sprintf("trust store %s (%s) and key store %s (%s) load", cfg.TLS.TrustStore, cfg.TLS.TrustStoreType, cfg.TLS.KeyStore, cfg.TLS.KeyStoreType))
		if !ep.Secure {
			warn("TLS material is configured but the URL scheme is not secure; it will be ignored.")
		}
	}

	if failed {
		return int(domain.Unknown)
	}
	ok("preflight passed")
	return int(domain.OK)
}
