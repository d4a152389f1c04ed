package plc

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/parcelworks/dws-station/logger"
)

// Config represents the configuration parameters for a protocol client.
type Config struct {
	// host specifies the host of the remote device.
	host string

	// port specifies the TCP port number of the remote device.
	port int

	// deviceNo identifies this station in heartbeat and ACK bodies.
	deviceNo string

	// protoVersion, vendorID and deviceType are constant per deployment and copied
	// into every outbound header.
	protoVersion uint8
	vendorID     uint16
	deviceType   uint8

	// replyTimeout defines how long a Send with needAck waits for the matching ACK.
	// Defaults to 5 seconds.
	replyTimeout time.Duration

	// sendAttempts defines how many times a Send is attempted before giving up.
	// Each attempt re-sends the frame after retryBackoff. Defaults to 3.
	sendAttempts int

	// retryBackoff defines the delay between send attempts. Defaults to 1 second.
	retryBackoff time.Duration

	// heartbeatInterval defines the interval between heartbeat requests while
	// connected. Defaults to 1 second.
	heartbeatInterval time.Duration

	// idleTimeout defines how long the receive side may stay silent before the
	// connection is considered dead. Defaults to 3x heartbeatInterval.
	idleTimeout time.Duration

	// reconnectBase and reconnectMax bound the exponential reconnect backoff.
	// Defaults: 1 second base, 60 seconds cap.
	reconnectBase time.Duration
	reconnectMax  time.Duration

	// connectTimeout defines the dial timeout. Defaults to 3 seconds.
	connectTimeout time.Duration

	// writeTimeout defines the per-frame TCP write deadline and the time budget for
	// enqueueing into the sender queue. Defaults to 5 seconds.
	writeTimeout time.Duration

	// closeTimeout defines the timeout for tearing down a connection.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// senderQueueSize defines the size of the sender queue, which buffers frames
	// before they are written to the remote device. Defaults to 10.
	senderQueueSize int

	// logger provides a logger instance for client events and errors.
	logger logger.Logger
}

// NewConfig creates a new client configuration with the given host, port number, and
// optional functional options.
//
// It initializes a Config struct with default values and then applies the provided
// options to customize the configuration.
func NewConfig(host string, port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		deviceNo:          "dws-1",
		replyTimeout:      5 * time.Second,
		sendAttempts:      3,
		retryBackoff:      1 * time.Second,
		heartbeatInterval: 1 * time.Second,
		reconnectBase:     1 * time.Second,
		reconnectMax:      60 * time.Second,
		connectTimeout:    3 * time.Second,
		writeTimeout:      5 * time.Second,
		closeTimeout:      3 * time.Second,
		senderQueueSize:   10,
		logger:            logger.GetLogger(),
	}

	if err := withRemoteHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.idleTimeout == 0 {
		cfg.idleTimeout = 3 * cfg.heartbeatInterval
	}

	return cfg, nil
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// withRemoteHost sets the host of the remote device.
// An error is returned if the host is neither a valid IP address nor a resolvable name.
func withRemoteHost(host string) Option {
	return newOptFunc("withRemoteHost", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		// Check if it's a valid IP address
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		// If not an IP, check if it's a valid domain name
		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return errors.New("invalid host")
	})
}

// withPort sets the TCP port number of the remote device.
// An error is returned if the port number is out of the valid range (1-65535).
func withPort(port int) Option {
	return newOptFunc("withPort", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithDeviceNo sets the station identifier carried in heartbeat and ACK bodies.
func WithDeviceNo(deviceNo string) Option {
	return newOptFunc("WithDeviceNo", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if deviceNo == "" {
			return errors.New("device number is empty")
		}

		cfg.deviceNo = deviceNo

		return nil
	})
}

// WithHeaderIdentity sets the protocol version, vendor id and device type copied into
// every outbound header. These values are constant per deployment.
func WithHeaderIdentity(protoVersion uint8, vendorID uint16, deviceType uint8) Option {
	return newOptFunc("WithHeaderIdentity", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		cfg.protoVersion = protoVersion
		cfg.vendorID = vendorID
		cfg.deviceType = deviceType

		return nil
	})
}

// WithReplyTimeout sets how long a Send with needAck waits for the matching ACK.
// An error is returned if the timeout is outside the valid range (1-120 seconds).
//
// The default value is 5 seconds.
func WithReplyTimeout(val time.Duration) Option {
	return newOptFunc("WithReplyTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 1*time.Second || val > 120*time.Second {
			return errors.New("reply timeout out of range [1, 120]")
		}
		cfg.replyTimeout = val

		return nil
	})
}

// WithSendAttempts sets how many times a Send is attempted before giving up.
// An error is returned if the value is outside the valid range (1-10).
//
// The default value is 3.
func WithSendAttempts(val int) Option {
	return newOptFunc("WithSendAttempts", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 1 || val > 10 {
			return errors.New("send attempts out of range [1, 10]")
		}
		cfg.sendAttempts = val

		return nil
	})
}

// WithRetryBackoff sets the delay between send attempts.
// An error is returned if the value is outside the valid range (100ms-30s).
//
// The default value is 1 second.
func WithRetryBackoff(val time.Duration) Option {
	return newOptFunc("WithRetryBackoff", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("retry backoff out of range [0.1, 30]")
		}
		cfg.retryBackoff = val

		return nil
	})
}

// WithHeartbeatInterval sets the interval between heartbeat requests while connected.
// An error is returned if the value is outside the valid range (100ms-60s).
//
// The default value is 1 second.
func WithHeartbeatInterval(val time.Duration) Option {
	return newOptFunc("WithHeartbeatInterval", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("heartbeat interval out of range [0.1, 60]")
		}
		cfg.heartbeatInterval = val

		return nil
	})
}

// WithIdleTimeout sets how long the receive side may stay silent before the connection
// is considered dead. An error is returned if the value is outside the valid range
// (1-300 seconds).
//
// The default is 3x the heartbeat interval.
func WithIdleTimeout(val time.Duration) Option {
	return newOptFunc("WithIdleTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 1*time.Second || val > 300*time.Second {
			return errors.New("idle timeout out of range [1, 300]")
		}
		cfg.idleTimeout = val

		return nil
	})
}

// WithReconnectBackoff sets the base delay and cap for the exponential reconnect
// backoff. An error is returned if base is not positive or max is below base.
//
// The default values are 1 second base and 60 seconds cap.
func WithReconnectBackoff(base, maxDelay time.Duration) Option {
	return newOptFunc("WithReconnectBackoff", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if base <= 0 {
			return errors.New("reconnect base must be positive")
		}
		if maxDelay < base {
			return errors.New("reconnect max must be >= base")
		}
		cfg.reconnectBase = base
		cfg.reconnectMax = maxDelay

		return nil
	})
}

// WithConnectTimeout sets the dial timeout.
// An error is returned if the value is outside the valid range (100ms-30s).
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) Option {
	return newOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.1, 30]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the per-frame write deadline.
// An error is returned if the value is outside the valid range (100ms-120s).
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) Option {
	return newOptFunc("WithWriteTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 120*time.Second {
			return errors.New("write timeout out of range [0.1, 120]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithSenderQueueSize sets the size of the sender queue, which buffers frames before
// sending them to the remote device.
//
// This option allows you to control the backpressure level for unsent frames.
// A larger queue size can accommodate bursts of messages but might consume more memory.
//
// The queue size must be within the range of 1 to 1000.
//
// The default value is 10.
func WithSenderQueueSize(size int) Option {
	return newOptFunc("WithSenderQueueSize", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if size < 1 || size > 1000 {
			return errors.New("the sender queue size out of range [1, 1000]")
		}

		cfg.senderQueueSize = size

		return nil
	})
}

// WithLogger sets the logger for the client.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		cfg.logger = l

		return nil
	})
}
