package mqgo

import (
	"crypto/tls"
	"time"

	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/transport"
)

// config collects every tunable spec §6 groups under the connection URI's
// option groups (transport, wire, connection, redelivery, failover, ssl).
// The teacher assembles an analogous cfg struct via functional options
// (Opt = func(*cfg), NewClient(opts ...Opt)); URI-string parsing itself is
// the external collaborator's job (spec §1 non-goals) but the parsed
// values are this core's to hold and act on, so Option only ever takes Go
// values, never a URI string.
type config struct {
	addrs []string

	dial         transport.DialFunc
	tlsConfig    *tls.Config
	connectTimeout time.Duration

	clientID string
	username string
	password string

	tightEncoding      bool
	cacheEnabled       bool
	cacheSize          int32
	maxInactivityMillis int64
	stackTraceEnabled  bool
	useCompression     bool
	compressionAlgo    string
	maxFrameSize       int32

	useAsyncSend       bool
	alwaysSyncSend     bool
	sendAcksAsync      bool
	dispatchAsync      bool
	producerWindowSize int32

	redeliveryPolicy RedeliveryPolicy

	failover  bool
	randomize bool
	backoff   transport.BackoffParams
	timeout   time.Duration

	logger mqlog.Logger
	hooks  mqlog.Hooks
}

func defaultConfig() *config {
	return &config{
		dial:                transport.DefaultDialer,
		connectTimeout:      30 * time.Second,
		tightEncoding:       true,
		cacheEnabled:        true,
		cacheSize:           1024,
		maxInactivityMillis: 30000,
		maxFrameSize:        100 << 20,
		redeliveryPolicy:    DefaultRedeliveryPolicy(),
		backoff: transport.BackoffParams{
			Initial:               10 * time.Millisecond,
			Max:                   30 * time.Second,
			Multiplier:            2.0,
			UseExponentialBackOff: true,
		},
		timeout: 0,
		logger:  mqlog.Nop{},
	}
}

// Option configures a Connection at construction time, the same functional
// options shape the teacher uses for its Client (Opt = func(*cfg)).
type Option func(*config)

// WithAddrs sets the pool of broker addresses (host:port) to connect to.
// A single address behaves like a plain tcp:// connection; more than one
// only matters if WithFailover is also set.
func WithAddrs(addrs ...string) Option {
	return func(c *config) { c.addrs = append([]string(nil), addrs...) }
}

func WithDialFunc(fn transport.DialFunc) Option { return func(c *config) { c.dial = fn } }

func WithTLS(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
		c.dial = transport.TLSDialer(cfg)
	}
}

func WithConnectTimeout(d time.Duration) Option { return func(c *config) { c.connectTimeout = d } }

func WithClientID(id string) Option { return func(c *config) { c.clientID = id } }

func WithCredentials(username, password string) Option {
	return func(c *config) { c.username = username; c.password = password }
}

func WithTightEncoding(v bool) Option { return func(c *config) { c.tightEncoding = v } }

func WithCache(enabled bool, size int32) Option {
	return func(c *config) { c.cacheEnabled = enabled; c.cacheSize = size }
}

func WithMaxInactivityDuration(d time.Duration) Option {
	return func(c *config) { c.maxInactivityMillis = d.Milliseconds() }
}

func WithStackTraceEnabled(v bool) Option { return func(c *config) { c.stackTraceEnabled = v } }

func WithCompression(v bool) Option { return func(c *config) { c.useCompression = v } }

// WithCompressionAlgo pins the message-body compression codec to use once
// compression negotiates on (spec §6). Valid names are "deflate", "snappy",
// and "lz4"; an empty string (the default) or an unrecognized name falls
// back to deflate.
func WithCompressionAlgo(name string) Option {
	return func(c *config) { c.compressionAlgo = name }
}

func WithMaxFrameSize(n int32) Option { return func(c *config) { c.maxFrameSize = n } }

func WithUseAsyncSend(v bool) Option { return func(c *config) { c.useAsyncSend = v } }

func WithAlwaysSyncSend(v bool) Option { return func(c *config) { c.alwaysSyncSend = v } }

func WithSendAcksAsync(v bool) Option { return func(c *config) { c.sendAcksAsync = v } }

func WithDispatchAsync(v bool) Option { return func(c *config) { c.dispatchAsync = v } }

func WithProducerWindowSize(n int32) Option { return func(c *config) { c.producerWindowSize = n } }

func WithRedeliveryPolicy(p RedeliveryPolicy) Option {
	return func(c *config) { c.redeliveryPolicy = p }
}

// WithFailover enables the failover transport over the configured address
// pool (spec §4.5). randomize controls whether the initial candidate order
// is shuffled.
func WithFailover(randomize bool) Option {
	return func(c *config) { c.failover = true; c.randomize = randomize }
}

func WithBackoff(b transport.BackoffParams) Option { return func(c *config) { c.backoff = b } }

// WithTimeout bounds how long an outbound send blocks while failover is
// reconnecting (spec §4.5 "Backpressure during reconnect"); zero means
// infinite.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

func WithLogger(l mqlog.Logger) Option { return func(c *config) { c.logger = l } }

func WithHooks(hooks ...mqlog.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}
