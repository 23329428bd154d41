package ftpcore

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Option is a functional option for building a SessionConfig.
type Option func(*SessionConfig) error

// NewSessionConfig returns a SessionConfig built from DefaultSessionConfig
// plus opts, applied in order.
func NewSessionConfig(host string, port int, opts ...Option) (*SessionConfig, error) {
	cfg := DefaultSessionConfig(host, port)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("ftpcore: applying option: %w", err)
		}
	}
	return cfg, nil
}

// WithCredentials sets the username/password sent during authentication.
func WithCredentials(username, password string) Option {
	return func(c *SessionConfig) error {
		c.Credentials = Credentials{Username: username, Password: password}
		return nil
	}
}

// WithTimeouts sets the connect and control-read timeouts. Zero leaves the
// corresponding field unchanged.
func WithTimeouts(connect, controlRead time.Duration) Option {
	return func(c *SessionConfig) error {
		if connect > 0 {
			c.ConnectTimeout = connect
		}
		if controlRead > 0 {
			c.ControlReadTimeout = controlRead
		}
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS) with the given
// config, setting config.ClientSessionCache if it is nil. ControlSession
// takes only the client Certificates from config; control and data
// handshakes resume through the control stream's own cache
// (ByteLineStream.SessionCache), not through config.ClientSessionCache.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *SessionConfig) error {
		if c.Encryption == EncryptionImplicit {
			return fmt.Errorf("%w: explicit TLS cannot be combined with implicit TLS", ErrInvalidConfiguration)
		}
		c.Encryption = EncryptionExplicit
		c.TLSConfig = withSessionCache(config)
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode with the given config,
// defaulting Port to 990 if it is still zero.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *SessionConfig) error {
		if c.Encryption == EncryptionExplicit {
			return fmt.Errorf("%w: implicit TLS cannot be combined with explicit TLS", ErrInvalidConfiguration)
		}
		c.Encryption = EncryptionImplicit
		c.TLSConfig = withSessionCache(config)
		if c.Port == 0 {
			c.Port = 990
		}
		return nil
	}
}

func withSessionCache(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithEncryptedDataChannel enables PBSZ 0 / PROT P negotiation once the
// control connection is encrypted.
func WithEncryptedDataChannel() Option {
	return func(c *SessionConfig) error {
		c.EncryptDataChannel = true
		return nil
	}
}

// WithDataChannelMode selects how data connections are negotiated.
func WithDataChannelMode(mode DataChannelMode) Option {
	return func(c *SessionConfig) error {
		c.DataChannel = mode
		return nil
	}
}

// WithActivePorts sets the port pool for PORT/EPRT listeners. Only the first
// port in the pool is tried; if binding it fails, the listener takes a port
// chosen by the OS instead, and the remaining ports are not tried.
func WithActivePorts(ports ...int) Option {
	return func(c *SessionConfig) error {
		c.ActivePorts = ports
		return nil
	}
}

// WithAddressResolver sets the callback used to determine the local
// address advertised in PORT/EPRT, for NAT traversal.
func WithAddressResolver(resolver AddressResolver) Option {
	return func(c *SessionConfig) error {
		c.AddressResolver = resolver
		return nil
	}
}

// WithRateLimits sets the upload/download throttle in kilobytes per
// second. Zero means unlimited.
func WithRateLimits(uploadKBs, downloadKBs int) Option {
	return func(c *SessionConfig) error {
		c.UploadRateLimitKBs = uploadKBs
		c.DownloadRateLimitKBs = downloadKBs
		return nil
	}
}

// WithIPPreference restricts address-family selection when dialing.
func WithIPPreference(pref IPPreference) Option {
	return func(c *SessionConfig) error {
		c.IPPreference = pref
		return nil
	}
}

// WithUngracefulDisconnect skips sending QUIT on Disconnect/Dispose,
// closing the socket immediately instead.
func WithUngracefulDisconnect() Option {
	return func(c *SessionConfig) error {
		c.UngracefulDisconnect = true
		return nil
	}
}

// WithoutStaleDataCheck disables the stale-data reconciliation Execute
// otherwise performs before reusing a connection.
func WithoutStaleDataCheck() Option {
	return func(c *SessionConfig) error {
		c.StaleDataCheck = false
		return nil
	}
}

// WithoutAutoUTF8 disables automatic OPTS UTF8 ON promotion even when the
// server advertises the UTF8 feature.
func WithoutAutoUTF8() Option {
	return func(c *SessionConfig) error {
		c.AutoUTF8 = false
		return nil
	}
}

// WithSocketPollInterval sets how often PollLiveness actively probes an
// idle control socket. Zero disables active polling.
func WithSocketPollInterval(d time.Duration) Option {
	return func(c *SessionConfig) error {
		c.SocketPollInterval = d
		return nil
	}
}

// WithKeepAliveAddr is a convenience for AddressResolver backed by a fixed
// local address, useful in tests and single-homed deployments.
func WithKeepAliveAddr(addr string) Option {
	return func(c *SessionConfig) error {
		ip := net.ParseIP(addr)
		if ip == nil {
			return fmt.Errorf("invalid address: %s", addr)
		}
		c.AddressResolver = func() (net.IP, error) { return ip, nil }
		return nil
	}
}
