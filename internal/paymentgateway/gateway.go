package paymentgateway

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/pkg/logger"
)

// ErrNoTransport is returned when the simulator is disabled and no
// transport was supplied: the bank wire protocol is provided by the hosting
// platform, not by this service.
var ErrNoTransport = errors.New("no ECOMM transport configured; enable gateway.simulator or provide a transport")

// TransportFactory builds a client for the real ECOMM host over a TLS
// config carrying the merchant certificate.
type TransportFactory func(tlsConfig *tls.Config) (Gateway, error)

type Option func(*options)

type options struct {
	transport TransportFactory
}

// WithTransport plugs in the client used when the simulator is disabled.
func WithTransport(f TransportFactory) Option {
	return func(o *options) {
		o.transport = f
	}
}

// New builds the gateway client described by cfg. With the simulator
// disabled the merchant credentials are loaded and handed to the transport
// from WithTransport; without one New fails with ErrNoTransport once the
// credentials are known to be valid. The returned closer stops background
// workers and closes the debug log.
func New(cfg internal.GatewayConfig, payment internal.PaymentConfig, log *slog.Logger, opts ...Option) (Gateway, io.Closer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		client Gateway
		closer io.Closer
	)

	if cfg.Simulator.Enabled {
		sim := NewClient(Config{
			ReturnURL:     cfg.ReturnURL,
			Timeout:       cfg.Timeout,
			MaxWorkers:    cfg.Simulator.MaxWorkers,
			JobQueueSize:  cfg.Simulator.JobQueueSize,
			MinDelay:      cfg.Simulator.MinDelay,
			MaxDelay:      cfg.Simulator.MaxDelay,
			SuccessRate:   cfg.Simulator.SuccessRate,
			SendCallbacks: cfg.Simulator.SendCallbacks,
		}, log)
		client = sim
		closer = closerFunc(func() error {
			sim.Shutdown()
			return nil
		})
	} else {
		cert, err := LoadCredentials(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid gateway credentials: %w", err)
		}
		if o.transport == nil {
			return nil, nil, ErrNoTransport
		}
		client, err = o.transport(TLSConfig(cert))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build gateway transport: %w", err)
		}
		closer = closerFunc(func() error { return nil })
	}

	if !payment.DebugLogging {
		return client, closer, nil
	}

	debugLog, f, err := logger.NewFileLogger(payment.DebugLogPath)
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("failed to open gateway debug log: %w", err)
	}
	log.Info("gateway debug logging enabled", "path", payment.DebugLogPath)

	return NewDebugClient(client, debugLog), closerFunc(func() error {
		_ = closer.Close()
		return f.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
