package ftpcore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// mockServer scripts a minimal FTP control connection for exercising
// ControlSession against real sockets.
type mockServer struct {
	listener         net.Listener
	addr             string
	handlers         map[string]func(conn *textproto.Conn, args string)
	receivedCommands []string
	done             chan struct{}

	// tlsConfig, when set, makes the server TLS-capable: implicitTLS wraps
	// the accepted socket before the greeting is written, otherwise the
	// server upgrades on AUTH TLS like a real FTPS server would.
	tlsConfig   *tls.Config
	implicitTLS bool
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return &mockServer{
		listener: l,
		addr:     l.Addr().String(),
		handlers: make(map[string]func(*textproto.Conn, string)),
	}
}

// newMockTLSServer returns a mockServer whose socket can be upgraded to TLS,
// either immediately on accept (implicit) or on AUTH TLS (explicit).
func newMockTLSServer(t *testing.T, implicit bool) *mockServer {
	t.Helper()
	ms := newMockServer(t)
	ms.tlsConfig = &tls.Config{Certificates: []tls.Certificate{generateTestCertificate(t)}}
	ms.implicitTLS = implicit
	return ms
}

// generateTestCertificate returns a freshly minted, self-signed certificate
// valid for 127.0.0.1/localhost, for exercising TLS handshakes against the
// mock server without a fixture file on disk.
func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func (s *mockServer) host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

func (s *mockServer) port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	var p int
	fmt.Sscanf(port, "%d", &p)
	return p
}

func (s *mockServer) start() {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if s.implicitTLS {
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
		}

		fmt.Fprintf(conn, "220 Service ready\r\n")

		textConn := textproto.NewConn(conn)
		defer textConn.Close()

		for {
			line, err := textConn.ReadLine()
			if err != nil {
				return
			}

			parts := strings.SplitN(line, " ", 2)
			cmd := strings.ToUpper(parts[0])
			args := ""
			if len(parts) > 1 {
				args = parts[1]
			}
			s.receivedCommands = append(s.receivedCommands, cmd)

			if handler, ok := s.handlers[cmd]; ok {
				handler(textConn, args)
				continue
			}

			switch cmd {
			case "USER":
				_ = textConn.PrintfLine("331 User name okay, need password.")
			case "PASS":
				_ = textConn.PrintfLine("230 User logged in, proceed.")
			case "FEAT":
				_ = textConn.PrintfLine("211-Features:\r\n UTF8\r\n211 End")
			case "OPTS":
				_ = textConn.PrintfLine("200 OK")
			case "SYST":
				_ = textConn.PrintfLine("215 UNIX Type: L8")
			case "TYPE":
				_ = textConn.PrintfLine("200 Command okay.")
			case "AUTH":
				if s.tlsConfig == nil || !strings.EqualFold(strings.TrimSpace(args), "TLS") {
					_ = textConn.PrintfLine("502 Command not implemented.")
					continue
				}
				_ = textConn.PrintfLine("234 AUTH TLS successful.")
				tlsConn := tls.Server(conn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return
				}
				conn = tlsConn
				textConn = textproto.NewConn(conn)
			case "QUIT":
				_ = textConn.PrintfLine("221 Service closing control connection.")
				return
			default:
				_ = textConn.PrintfLine("502 Command not implemented.")
			}
		}
	}()
}

func (s *mockServer) stop() {
	s.listener.Close()
	if s.done != nil {
		<-s.done
	}
}
