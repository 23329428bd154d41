package ftpcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// sessionState tracks a ControlSession's progress through the connection
// procedure, for introspection and logging. It is not exposed to callers.
type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateGreeted
	stateTlsActivated
	stateAuthenticated
	stateReady
)

// ControlSession is the protocol engine for a single FTP control connection.
// All exported methods are safe to call from one goroutine at a time; a
// ControlSession is not shared across concurrent callers except via Clone.
type ControlSession struct {
	mu sync.Mutex

	config   *SessionConfig // caller-owned, may be mutated live
	snapshot SessionConfig  // captured at the start of the most recent Connect

	stream  *ByteLineStream
	certBus *CertificateValidationBus

	capabilities *CapabilityRegistry
	encoding     LineEncoding
	systemType   string
	dataType     FtpDataType

	isClone   bool
	connected bool
	disposed  bool
	state     sessionState

	epsvUnsupported bool
	eprtUnsupported bool

	logger *slog.Logger
}

// NewControlSession returns a session bound to config, not yet connected.
// config is retained (not copied), but each Connect works from a snapshot of
// it: mutating its fields after Connect takes effect at the next Connect.
func NewControlSession(config *SessionConfig) *ControlSession {
	return &ControlSession{
		config:       config,
		certBus:      NewCertificateValidationBus(),
		capabilities: NewCapabilityRegistry(),
		encoding:     EncodingASCII,
		dataType:     DataTypeASCII,
		logger:       slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

// SetLogger installs a structured logger for protocol tracing. A nil logger
// restores the no-op default.
func (c *ControlSession) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	c.logger = logger
}

// CertificateValidationBus returns the bus consulted during TLS handshakes
// on this session. Subscribe before calling Connect with EncryptionExplicit
// or EncryptionImplicit.
func (c *ControlSession) CertificateValidationBus() *CertificateValidationBus {
	return c.certBus
}

// Capabilities returns the registry populated by the most recent FEAT
// exchange. Empty (but non-nil) before the first successful Connect.
func (c *ControlSession) Capabilities() *CapabilityRegistry {
	return c.capabilities
}

// HasFeature reports whether cap was advertised by the server.
func (c *ControlSession) HasFeature(cap Capability) bool {
	return c.capabilities.Has(cap)
}

// HashAlgorithms returns the hash algorithms advertised via the HASH
// feature.
func (c *ControlSession) HashAlgorithms() []HashAlgorithm {
	return c.capabilities.HashAlgorithms()
}

// SystemType returns the text of the SYST reply gathered during Connect.
func (c *ControlSession) SystemType() string {
	return c.systemType
}

// Connected reports whether the control stream is currently live.
func (c *ControlSession) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsClone reports whether this session was produced by Clone rather than
// NewControlSession.
func (c *ControlSession) IsClone() bool {
	return c.isClone
}

// controlHost returns the host used for the control connection, for data
// channel address fallback (PASVEX / 0.0.0.0 substitution).
func (c *ControlSession) controlHost() string {
	return c.snapshot.Host
}

// localControlAddr returns the control connection's local address, used to
// pick an interface for PORT/EPRT listeners.
func (c *ControlSession) localControlAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ""
	}
	if addr := c.stream.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// dataTLSMaterial returns the client certificates, protocol set, and shared
// session-resumption cache to use when wrapping a data connection in TLS,
// or ok=false if the control connection isn't encrypted.
func (c *ControlSession) dataTLSMaterial() (certs []tls.Certificate, protocols []uint16, cache tls.ClientSessionCache, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil || !c.stream.Encrypted() {
		return nil, nil, nil, false
	}
	return clientCertsOf(c.snapshot.TLSConfig), c.snapshot.TLSProtocols, c.stream.SessionCache(), true
}

// Snapshot returns a copy of the configuration captured at the start of the
// most recent Connect, for components (like DataChannelFactory) that need a
// stable view without racing live SessionConfig mutation.
func (c *ControlSession) Snapshot() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// epsvFallback reports whether EPSV has been recorded as unsupported by
// markEPSVUnsupported, so AutoPassive sticks with PASV for the rest of the
// session.
func (c *ControlSession) epsvFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epsvUnsupported
}

func (c *ControlSession) markEPSVUnsupported() {
	c.mu.Lock()
	c.epsvUnsupported = true
	c.mu.Unlock()
}

func (c *ControlSession) eprtFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eprtUnsupported
}

func (c *ControlSession) markEPRTUnsupported() {
	c.mu.Lock()
	c.eprtUnsupported = true
	c.mu.Unlock()
}

// ApplyKeepAlive re-applies config.SocketKeepAlive to the live socket.
// SocketKeepAlive is read from the live SessionConfig, not the connect-time
// snapshot, so a caller that flips the field after Connect must call this to
// push the change to the socket; nothing re-reads it automatically.
func (c *ControlSession) ApplyKeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrAlreadyDisposed
	}
	if !c.connected || c.stream == nil {
		return ErrNotConnected
	}

	enabled := c.config.SocketKeepAlive
	if err := c.stream.SetKeepAlive(enabled); err != nil {
		return err
	}
	c.snapshot.SocketKeepAlive = enabled
	return nil
}

// setTransferType issues TYPE unless the session is already in that mode.
func (c *ControlSession) setTransferType(ctx context.Context, t FtpDataType) error {
	c.mu.Lock()
	current := c.dataType
	c.mu.Unlock()

	if current == t {
		return nil
	}
	reply, err := c.Execute(ctx, "TYPE", t.code())
	if err != nil {
		return err
	}
	if !reply.Success {
		return &ProtocolError{Op: "TYPE", Reply: reply}
	}

	c.mu.Lock()
	c.dataType = t
	c.mu.Unlock()
	return nil
}

// Connect runs the full connection procedure: resolve and dial, apply
// keep-alive, activate implicit TLS, read the greeting, activate explicit
// TLS, authenticate, negotiate data-channel protection, and — unless this
// is a clone — discover capabilities and promote to UTF-8.
func (c *ControlSession) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *ControlSession) connectLocked(ctx context.Context) error {
	if c.disposed {
		return ErrAlreadyDisposed
	}
	if c.connected {
		if err := c.disconnectLocked(ctx); err != nil {
			return err
		}
	}

	cfg := c.config.snapshot()
	c.snapshot = cfg
	c.state = stateConnecting

	stream := NewByteLineStream(c.certBus)
	stream.SetTimeouts(cfg.ConnectTimeout, cfg.ControlReadTimeout)
	stream.SetPollInterval(cfg.SocketPollInterval)
	c.stream = stream

	c.logger.Debug("dialing control connection", "host", cfg.Host, "port", cfg.ResolvedPort())
	if err := stream.Connect(ctx, cfg.Host, cfg.ResolvedPort(), cfg.IPPreference); err != nil {
		return err
	}
	c.connected = true

	if err := stream.SetKeepAlive(cfg.SocketKeepAlive); err != nil {
		c.logger.Debug("set keep-alive failed", "err", err)
	}

	if cfg.Encryption == EncryptionImplicit {
		c.logger.Debug("activating implicit TLS")
		if err := stream.ActivateTls(cfg.Host, clientCertsOf(cfg.TLSConfig), cfg.TLSProtocols); err != nil {
			c.disconnectOnError()
			return err
		}
		c.state = stateTlsActivated
	}

	reply, err := c.readReplyLocked()
	if err != nil {
		c.disconnectOnError()
		return err
	}
	if !reply.Success {
		c.disconnectOnError()
		return &ProtocolError{Op: "CONNECT", Reply: reply}
	}
	c.state = stateGreeted

	if cfg.Encryption == EncryptionExplicit {
		c.logger.Debug("activating explicit TLS")
		reply, err := c.commandLocked("AUTH", "TLS")
		if err != nil {
			c.disconnectOnError()
			return err
		}
		if !reply.Success {
			c.disconnectOnError()
			return fmt.Errorf("%w: %s", ErrTlsUnavailable, reply.Message)
		}
		if err := stream.ActivateTls(cfg.Host, clientCertsOf(cfg.TLSConfig), cfg.TLSProtocols); err != nil {
			c.disconnectOnError()
			return err
		}
		c.state = stateTlsActivated
	}

	if cfg.Credentials.Username != "" {
		if err := c.authenticateLocked(cfg.Credentials); err != nil {
			c.disconnectOnError()
			return err
		}
		c.state = stateAuthenticated
	}

	if stream.Encrypted() && cfg.EncryptDataChannel {
		if _, err := c.expectSuccessLocked("PBSZ", "0"); err != nil {
			c.disconnectOnError()
			return err
		}
		if _, err := c.expectSuccessLocked("PROT", "P"); err != nil {
			c.disconnectOnError()
			return err
		}
	}

	if !c.isClone {
		c.capabilities = NewCapabilityRegistry()
		reply, err := c.commandLocked("FEAT")
		if err == nil && reply.Success {
			c.capabilities.ParseFeat(reply.InfoMessages)
		}

		if cfg.AutoUTF8 && c.capabilities.Has(CapUTF8) {
			if reply, err := c.commandLocked("OPTS", "UTF8", "ON"); err == nil && reply.Success {
				c.encoding = EncodingUTF8
			}
		}

		if reply, err := c.commandLocked("SYST"); err == nil && reply.Success {
			c.systemType = reply.Message
		}
	}

	c.state = stateReady
	return nil
}

// clientCertsOf extracts the client certificate list from a *tls.Config,
// tolerating nil.
func clientCertsOf(cfg *tls.Config) []tls.Certificate {
	if cfg == nil {
		return nil
	}
	return cfg.Certificates
}

// authenticateLocked runs the USER/PASS exchange. A 230 reply to USER means
// the server accepted without a password.
func (c *ControlSession) authenticateLocked(creds Credentials) error {
	reply, err := c.commandLocked("USER", creds.Username)
	if err != nil {
		return err
	}
	if reply.Type == PositiveCompletion {
		return nil
	}
	if reply.Type != PositiveIntermediate {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Message)
	}

	reply, err = c.commandLocked("PASS", creds.Password)
	if err != nil {
		return err
	}
	if reply.Type != PositiveCompletion {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Message)
	}
	return nil
}

// disconnectOnError closes the stream without attempting QUIT, used when
// Connect fails partway through. It never reports an error of its own.
func (c *ControlSession) disconnectOnError() {
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.connected = false
	c.state = stateDisconnected
}

// Execute sends command+args and returns the reply, reconnecting first if
// the control connection is not currently live. QUIT against an
// already-closed session synthesizes a success reply rather than
// reconnecting just to close again.
func (c *ControlSession) Execute(ctx context.Context, command string, args ...string) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrAlreadyDisposed
	}

	if c.connected && c.snapshot.StaleDataCheck && c.stream != nil && !c.stream.Encrypted() {
		if n := c.stream.BytesAvailable(); n > 0 {
			discard := make([]byte, n)
			read, _ := c.stream.RawRead(discard)
			c.logger.Debug("discarding stale control data", "bytes", read)
			_ = c.stream.Close()
			c.connected = false
		}
	}

	if !c.connected {
		if strings.EqualFold(command, "QUIT") {
			return &Reply{Code: "200", Message: "Connection already closed.", Success: true, Type: PositiveCompletion}, nil
		}
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	return c.commandLocked(command, args...)
}

// commandLocked writes one command line and reads the reply. Caller must
// hold c.mu and c.stream must be non-nil and connected.
func (c *ControlSession) commandLocked(command string, args ...string) (*Reply, error) {
	full := command
	if len(args) > 0 {
		full = command + " " + strings.Join(args, " ")
	}

	if strings.EqualFold(command, "PASS") {
		c.logger.Debug("ftp command", "line", "PASS ****")
	} else {
		c.logger.Debug("ftp command", "line", full)
	}

	if err := c.stream.WriteLine(c.encoding, full); err != nil {
		c.connected = false
		return nil, err
	}

	reply, err := c.readReplyLocked()
	if err != nil {
		c.connected = false
		return nil, err
	}

	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	return reply, nil
}

// expectSuccessLocked is commandLocked plus promoting a non-success reply
// into a *ProtocolError, for bootstrap steps that must fail Connect
// outright.
func (c *ControlSession) expectSuccessLocked(command string, args ...string) (*Reply, error) {
	reply, err := c.commandLocked(command, args...)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return reply, &ProtocolError{Op: command, Reply: reply}
	}
	return reply, nil
}

// GetReply reads the next reply off the wire without sending a command,
// for callers that write raw data directly (e.g. reading the closing 226
// after a data transfer driven outside Execute).
func (c *ControlSession) GetReply(ctx context.Context) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrAlreadyDisposed
	}
	if !c.connected || c.stream == nil {
		return nil, ErrNotConnected
	}
	return c.readReplyLocked()
}

func (c *ControlSession) readReplyLocked() (*Reply, error) {
	reply, err := ReadReply(c.stream.reader)
	if err != nil {
		c.connected = false
		return nil, err
	}
	return reply, nil
}

// Disconnect sends QUIT (unless UngracefulDisconnect is set, in which case
// the socket is simply closed) and releases the control connection. A
// failure to send QUIT is swallowed since the socket is closing anyway; a
// failure to close the socket is returned.
func (c *ControlSession) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked(ctx)
}

func (c *ControlSession) disconnectLocked(ctx context.Context) error {
	if c.stream == nil || !c.connected {
		return nil
	}

	if !c.snapshot.UngracefulDisconnect {
		_, _ = c.commandLocked("QUIT")
	}

	err := c.stream.Close()
	c.connected = false
	c.state = stateDisconnected
	return err
}

// Dispose permanently releases the session. Idempotent: a second call
// returns nil. Afterwards Connect, Execute, GetReply, Clone and
// ApplyKeepAlive return ErrAlreadyDisposed; Disconnect returns nil.
func (c *ControlSession) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil
	}
	c.disposed = true

	if c.stream != nil && c.connected {
		_ = c.disconnectLocked(context.Background())
	}
	return nil
}
