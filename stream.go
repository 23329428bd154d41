package ftpcore

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/idna"

	"github.com/kehoffman/ftpcore/internal/sockpeek"
)

// ByteLineStream is a buffered, timeout-aware, optionally TLS-wrapped duplex
// byte pipe over a TCP socket. It is owned exclusively by one ControlSession.
type ByteLineStream struct {
	rawConn net.Conn // the original TCP connection, pre-TLS
	conn    net.Conn // the current connection: rawConn, or a *tls.Conn wrapping it
	reader  *bufio.Reader

	encrypted bool

	connectTimeout time.Duration
	readTimeout    time.Duration
	pollInterval   time.Duration
	lastIO         time.Time

	certBus      *CertificateValidationBus
	sessionCache tls.ClientSessionCache
}

// NewByteLineStream returns a stream not yet connected. certBus may be nil,
// in which case ActivateTls always fails closed by default.
func NewByteLineStream(certBus *CertificateValidationBus) *ByteLineStream {
	if certBus == nil {
		certBus = NewCertificateValidationBus()
	}
	return &ByteLineStream{certBus: certBus, sessionCache: tls.NewLRUClientSessionCache(0)}
}

// SessionCache returns the TLS client session cache used by ActivateTls,
// shared with data connections so PROT P transfers can resume the control
// connection's TLS session (required by some FTPS servers).
func (s *ByteLineStream) SessionCache() tls.ClientSessionCache {
	return s.sessionCache
}

// SetTimeouts configures the connect timeout (used by Connect) and the
// read/write timeout applied to every subsequent RawRead/RawWrite/ReadLine/
// WriteLine/ActivateTls call.
func (s *ByteLineStream) SetTimeouts(connect, readWrite time.Duration) {
	s.connectTimeout = connect
	s.readTimeout = readWrite
}

// SetPollInterval configures how often PollLiveness actively probes the
// socket once idle for at least that long.
func (s *ByteLineStream) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Connect resolves host's A/AAAA records, filters by pref, and attempts each
// resolved address in order with the configured connect timeout; the first
// success wins. Fails with ErrNetworkUnreachable if none succeed, or with
// ErrConnectTimeout if the last attempt timed out.
func (s *ByteLineStream) Connect(ctx context.Context, host string, port int, pref IPPreference) error {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", ErrNetworkUnreachable, host, err)
	}

	var candidates []net.IPAddr
	for _, ip := range ips {
		is4 := ip.IP.To4() != nil
		switch pref {
		case IPv4Only:
			if is4 {
				candidates = append(candidates, ip)
			}
		case IPv6Only:
			if !is4 {
				candidates = append(candidates, ip)
			}
		default:
			candidates = append(candidates, ip)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no address for %s matching preference", ErrNetworkUnreachable, host)
	}

	dialer := &net.Dialer{Timeout: s.connectTimeout}
	var lastErr error
	for _, ip := range candidates {
		addr := net.JoinHostPort(ip.IP.String(), strconv.Itoa(port))
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		s.rawConn = conn
		s.conn = conn
		s.reader = bufio.NewReader(conn)
		s.lastIO = time.Now()
		return nil
	}
	if isTimeout(lastErr) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnreachable, lastErr)
}

// ActivateTls performs a TLS handshake over the stream's current socket,
// presenting host for SNI, offering clientCerts, and restricting the
// handshake to protocols if non-empty (min/max of the set). Validation is
// delegated to the CertificateValidationBus; if it does not accept, the
// handshake fails with ErrTlsValidationRejected.
func (s *ByteLineStream) ActivateTls(host string, clientCerts []tls.Certificate, protocols []uint16) error {
	sni := host
	if normalized, err := idna.Lookup.ToASCII(host); err == nil {
		sni = normalized
	}

	cfg := &tls.Config{
		ServerName:         sni,
		Certificates:       clientCerts,
		InsecureSkipVerify: true, // verification is done manually in VerifyConnection
		ClientSessionCache: s.sessionCache,
	}
	if len(protocols) > 0 {
		min, max := protocols[0], protocols[0]
		for _, p := range protocols {
			if p < min {
				min = p
			}
			if p > max {
				max = p
			}
		}
		cfg.MinVersion = min
		cfg.MaxVersion = max
	}

	var rejected error
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		event := &ValidationEvent{Host: sni, Chain: cs.PeerCertificates}

		if len(cs.PeerCertificates) > 0 {
			opts := x509.VerifyOptions{DNSName: sni}
			if len(cs.PeerCertificates) > 1 {
				opts.Intermediates = x509.NewCertPool()
				for _, c := range cs.PeerCertificates[1:] {
					opts.Intermediates.AddCert(c)
				}
			}
			if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
				event.VerificationErr = err
			}
		}

		if !s.certBus.Validate(event) {
			rejected = fmt.Errorf("%w: %s", ErrTlsValidationRejected, sni)
			return rejected
		}
		return nil
	}

	if s.readTimeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportBroken, err)
		}
	}

	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		if rejected != nil {
			return rejected
		}
		return fmt.Errorf("%w: TLS handshake: %v", ErrTransportBroken, err)
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.encrypted = true
	return nil
}

// Encrypted reports whether ActivateTls has succeeded on this stream.
func (s *ByteLineStream) Encrypted() bool {
	return s.encrypted
}

// LocalAddr returns the current connection's local address.
func (s *ByteLineStream) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr returns the current connection's remote address.
func (s *ByteLineStream) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// ReadLine returns the next CRLF- or LF-terminated line, decoded under enc
// and excluding the terminator. Returns io.EOF on end of stream.
func (s *ByteLineStream) ReadLine(enc LineEncoding) (string, error) {
	if s.reader == nil {
		return "", ErrNotConnected
	}
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTransportBroken, err)
		}
	}

	line, err := s.reader.ReadString('\n')
	s.lastIO = time.Now()
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		return "", err
	}

	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return enc.decodeLine([]byte(line))
}

// WriteLine emits text+CRLF encoded under enc.
func (s *ByteLineStream) WriteLine(enc LineEncoding, text string) error {
	encoded, err := enc.encodeLine(text)
	if err != nil {
		return err
	}
	_, err = s.RawWrite(append(encoded, '\r', '\n'))
	return err
}

// RawRead reads raw bytes into buf.
func (s *ByteLineStream) RawRead(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransportBroken, err)
		}
	}
	n, err := s.conn.Read(buf)
	s.lastIO = time.Now()
	if err != nil && isTimeout(err) {
		return n, fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	return n, err
}

// RawWrite writes raw bytes.
func (s *ByteLineStream) RawWrite(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	if s.readTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransportBroken, err)
		}
	}
	n, err := s.conn.Write(buf)
	s.lastIO = time.Now()
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrTransportBroken, err)
	}
	return n, nil
}

// BytesAvailable peeks at the receive buffer without consuming it. Returns 0
// if unknown or if the stream is TLS-wrapped (the peek is opaque once
// encrypted).
func (s *ByteLineStream) BytesAvailable() int {
	if s.encrypted || s.rawConn == nil {
		return 0
	}
	rc, ok := rawConnOf(s.rawConn)
	if !ok {
		return 0
	}
	return sockpeek.Available(rc)
}

// PollLiveness actively tests the socket if the configured poll interval
// has elapsed since the last I/O, marking the stream broken on failure.
func (s *ByteLineStream) PollLiveness() error {
	if s.pollInterval <= 0 || s.rawConn == nil {
		return nil
	}
	if time.Since(s.lastIO) < s.pollInterval {
		return nil
	}

	rc, ok := rawConnOf(s.rawConn)
	if !ok {
		return nil
	}
	if !sockpeek.Probe(rc) {
		return ErrTransportBroken
	}
	s.lastIO = time.Now()
	return nil
}

// SetKeepAlive toggles the TCP keep-alive socket option on the live
// connection immediately.
func (s *ByteLineStream) SetKeepAlive(enabled bool) error {
	if s.rawConn == nil {
		return ErrNotConnected
	}
	tcpConn, ok := s.rawConn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcpConn.SetKeepAlive(enabled)
}

// Close closes the underlying connection. Idempotent: closing an already
// closed (or never connected) stream is a no-op that returns nil.
func (s *ByteLineStream) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.rawConn = nil
	s.reader = nil
	s.encrypted = false
	return err
}

func rawConnOf(conn net.Conn) (syscall.RawConn, bool) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	return rc, true
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
