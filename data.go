package ftpcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/kehoffman/ftpcore/internal/ratelimit"
)

var (
	// pasvRegex matches the PASV reply format: "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)".
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV reply format: "229 Entering Extended Passive Mode (|||port|)".
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV reply message and returns "host:port".
func parsePASV(message string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(message)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV reply: %s", message)
	}

	var h [4]int
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid IPv4 address from PASV: %s", host)
	}

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV parses an EPSV reply message and returns its port.
func parseEPSV(message string) (int, error) {
	matches := epsvRegex.FindStringSubmatch(message)
	if len(matches) != 2 {
		return 0, fmt.Errorf("invalid EPSV reply: %s", message)
	}
	port, err := strconv.Atoi(matches[1])
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid EPSV port: %s", matches[1])
	}
	return port, nil
}

// formatPORT formats addr ("ip:port", IPv4 only) as PORT's h1,h2,h3,h4,p1,p2.
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip4[0], ip4[1], ip4[2], ip4[3], port/256, port%256), nil
}

// formatEPRT formats addr as EPRT's "|d|net-prt|net-addr|tcp-port|".
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	netPrt := 2
	if ip.To4() != nil {
		netPrt = 1
	}
	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// resolveDataAddr substitutes controlHost for pasvAddr's host when the
// server advertised an unroutable address, per mode:
//   - for PASVEX (substitutePrivate), any private, loopback or link-local
//     address
//   - in every mode, the conventional 0.0.0.0 placeholder
func resolveDataAddr(pasvAddr, controlHost string, substitutePrivate bool) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	if substitutePrivate {
		if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			return net.JoinHostPort(controlHost, port)
		}
	}
	return pasvAddr
}

// DataChannelFactory negotiates and opens data connections for one
// ControlSession, implementing PASV/EPSV/PORT/EPRT and the AutoPassive/
// AutoActive sticky-fallback policies.
type DataChannelFactory struct {
	session *ControlSession
}

// NewDataChannelFactory returns a factory bound to session. session must
// already be connected.
func NewDataChannelFactory(session *ControlSession) *DataChannelFactory {
	return &DataChannelFactory{session: session}
}

// DataTransfer is one open data connection plus the rate limiters
// configured for the owning session.
type DataTransfer struct {
	conn    net.Conn
	factory *DataChannelFactory
}

// Reader returns conn wrapped with the session's download rate limiter.
func (t *DataTransfer) Reader(ctx context.Context) io.Reader {
	snap := t.factory.session.Snapshot()
	return ratelimit.NewReader(ctx, t.conn, ratelimit.New(snap.DownloadRateLimitKBs*1024))
}

// Writer returns conn wrapped with the session's upload rate limiter.
func (t *DataTransfer) Writer(ctx context.Context) io.Writer {
	snap := t.factory.session.Snapshot()
	return ratelimit.NewWriter(ctx, t.conn, ratelimit.New(snap.UploadRateLimitKBs*1024))
}

// Close closes the underlying connection without reading the server's
// completion reply. Most callers want Finish instead.
func (t *DataTransfer) Close() error {
	return t.conn.Close()
}

// Finish closes the data connection and reads the control connection's
// completion reply (conventionally 226).
func (t *DataTransfer) Finish(ctx context.Context) (*Reply, error) {
	closeErr := t.conn.Close()
	reply, err := t.factory.session.GetReply(ctx)
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return reply, closeErr
	}
	if !reply.Success {
		return reply, &ProtocolError{Op: "DATA_TRANSFER", Reply: reply}
	}
	return reply, nil
}

// Open negotiates a data connection per the session's configured
// DataChannelMode, issues command (e.g. "RETR", "STOR", "LIST") with args
// over the control connection, and returns the connected data channel.
// The caller is responsible for writing/reading the transfer body and
// calling Finish.
func (f *DataChannelFactory) Open(ctx context.Context, dataType FtpDataType, command string, args ...string) (*DataTransfer, error) {
	if err := f.session.setTransferType(ctx, dataType); err != nil {
		return nil, err
	}

	snap := f.session.Snapshot()
	switch snap.DataChannel {
	case DataChannelPASV:
		return f.openPassive(ctx, false, command, args...)
	case DataChannelEPSV:
		return f.openEPSV(ctx, command, args...)
	case DataChannelPASVEX:
		return f.openPassive(ctx, true, command, args...)
	case DataChannelPORT:
		return f.openActive(ctx, false, command, args...)
	case DataChannelEPRT:
		return f.openActive(ctx, true, command, args...)
	case DataChannelAutoActive:
		if !f.session.eprtFallback() {
			if t, err := f.openActive(ctx, true, command, args...); err == nil {
				return t, nil
			}
			f.session.markEPRTUnsupported()
		}
		return f.openActive(ctx, false, command, args...)
	default: // DataChannelAutoPassive
		if !f.session.epsvFallback() {
			if t, err := f.openEPSV(ctx, command, args...); err == nil {
				return t, nil
			}
			f.session.markEPSVUnsupported()
		}
		return f.openPassive(ctx, false, command, args...)
	}
}

func (f *DataChannelFactory) openEPSV(ctx context.Context, command string, args ...string) (*DataTransfer, error) {
	reply, err := f.session.Execute(ctx, "EPSV")
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, &ProtocolError{Op: "EPSV", Reply: reply}
	}
	port, err := parseEPSV(reply.Message)
	if err != nil {
		return nil, err
	}

	snap := f.session.Snapshot()
	addr := net.JoinHostPort(snap.Host, strconv.Itoa(port))
	conn, err := f.dial(ctx, addr, snap)
	if err != nil {
		return nil, err
	}
	return f.runCommand(ctx, conn, command, args...)
}

func (f *DataChannelFactory) openPassive(ctx context.Context, forceSubstitute bool, command string, args ...string) (*DataTransfer, error) {
	reply, err := f.session.Execute(ctx, "PASV")
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, &ProtocolError{Op: "PASV", Reply: reply}
	}
	addr, err := parsePASV(reply.Message)
	if err != nil {
		return nil, err
	}

	snap := f.session.Snapshot()
	addr = resolveDataAddr(addr, snap.Host, forceSubstitute)
	conn, err := f.dial(ctx, addr, snap)
	if err != nil {
		return nil, err
	}
	return f.runCommand(ctx, conn, command, args...)
}

func (f *DataChannelFactory) dial(ctx context.Context, addr string, snap SessionConfig) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: snap.DataConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: data connection to %s: %v", ErrNetworkUnreachable, addr, err)
	}
	return f.maybeWrapTLS(conn, snap)
}

func (f *DataChannelFactory) maybeWrapTLS(conn net.Conn, snap SessionConfig) (net.Conn, error) {
	if !snap.EncryptDataChannel {
		return conn, nil
	}
	certs, protocols, cache, ok := f.session.dataTLSMaterial()
	if !ok {
		return conn, nil
	}

	cfg := &tls.Config{
		ServerName:         snap.Host,
		Certificates:       certs,
		InsecureSkipVerify: true,
		ClientSessionCache: cache,
		VerifyConnection: func(cs tls.ConnectionState) error {
			event := &ValidationEvent{Host: snap.Host, Chain: cs.PeerCertificates}
			if len(cs.PeerCertificates) > 0 {
				opts := x509.VerifyOptions{DNSName: snap.Host}
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
			if !f.session.certBus.Validate(event) {
				return fmt.Errorf("%w: %s", ErrTlsValidationRejected, snap.Host)
			}
			return nil
		},
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
		cfg.MinVersion, cfg.MaxVersion = min, max
	}

	if snap.DataConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(snap.DataConnectTimeout))
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: data TLS handshake: %v", ErrTransportBroken, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// runCommand sends command over the control connection, expects a
// preliminary/positive reply, and returns the already-open data conn
// wrapped as a DataTransfer (passive-mode path: conn dials before the
// command is even sent, so a failure here must still close it).
func (f *DataChannelFactory) runCommand(ctx context.Context, conn net.Conn, command string, args ...string) (*DataTransfer, error) {
	reply, err := f.session.Execute(ctx, command, args...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Type != PositivePreliminary && reply.Type != PositiveCompletion {
		conn.Close()
		return nil, &ProtocolError{Op: command, Reply: reply}
	}
	return &DataTransfer{conn: conn, factory: f}, nil
}

// openActive backs PORT/EPRT: it listens locally, tells the server where to
// connect, sends the data command, and only then accepts — the server
// initiates the data connection after seeing the command.
func (f *DataChannelFactory) openActive(ctx context.Context, extended bool, command string, args ...string) (*DataTransfer, error) {
	snap := f.session.Snapshot()

	localHost := f.localAddressFor(snap)
	listener, err := net.Listen("tcp", net.JoinHostPort(localHost, f.activePort(snap)))
	if err != nil {
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("%w: active mode listener: %v", ErrNetworkUnreachable, err)
		}
	}

	addr := listener.Addr().String()
	if localHost != "" {
		if _, listenPort, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(localHost, listenPort)
		}
	}
	var reply *Reply
	if extended {
		eprt, err := formatEPRT(addr)
		if err != nil {
			listener.Close()
			return nil, err
		}
		reply, err = f.session.Execute(ctx, "EPRT", eprt)
		if err != nil {
			listener.Close()
			return nil, err
		}
	} else {
		port, err := formatPORT(addr)
		if err != nil {
			listener.Close()
			return nil, err
		}
		reply, err = f.session.Execute(ctx, "PORT", port)
		if err != nil {
			listener.Close()
			return nil, err
		}
	}
	if !reply.Success {
		listener.Close()
		verb := "PORT"
		if extended {
			verb = "EPRT"
		}
		return nil, &ProtocolError{Op: verb, Reply: reply}
	}

	dataReply, err := f.session.Execute(ctx, command, args...)
	if err != nil {
		listener.Close()
		return nil, err
	}
	if dataReply.Type != PositivePreliminary && dataReply.Type != PositiveCompletion {
		listener.Close()
		return nil, &ProtocolError{Op: command, Reply: dataReply}
	}

	if snap.DataConnectTimeout > 0 {
		if tl, ok := listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(snap.DataConnectTimeout))
		}
	}
	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: active mode accept: %v", ErrNetworkUnreachable, err)
	}

	conn, err = f.maybeWrapTLS(conn, snap)
	if err != nil {
		return nil, err
	}
	return &DataTransfer{conn: conn, factory: f}, nil
}

// localAddressFor returns the address a PORT/EPRT listener binds and
// advertises, consulting AddressResolver when configured (useful behind
// NAT). If binding that address fails, openActive listens on all
// interfaces but still advertises this address.
func (f *DataChannelFactory) localAddressFor(snap SessionConfig) string {
	if snap.AddressResolver != nil {
		if ip, err := snap.AddressResolver(); err == nil && ip != nil {
			return ip.String()
		}
	}
	local := f.session.localControlAddr()
	host, _, err := net.SplitHostPort(local)
	if err != nil {
		return ""
	}
	return host
}

// activePort returns the first configured active port, or "0" to let the
// OS choose, consuming it from the pool isn't tracked further: concurrent
// active transfers on the same session are not a supported configuration.
func (f *DataChannelFactory) activePort(snap SessionConfig) string {
	if len(snap.ActivePorts) > 0 {
		return strconv.Itoa(snap.ActivePorts[0])
	}
	return "0"
}
