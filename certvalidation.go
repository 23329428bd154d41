package ftpcore

import (
	"bytes"
	"crypto/x509"
	"io"
	"net/http"
	"sync"

	"golang.org/x/crypto/ocsp"
)

// ValidationEvent is handed to every subscriber when a ByteLineStream needs
// a peer-certificate validation decision.
type ValidationEvent struct {
	// Host is the name presented for SNI / expected by the caller.
	Host string
	// Chain is the peer's certificate chain as presented during the
	// handshake, leaf first.
	Chain []*x509.Certificate
	// VerificationErr is the error (if any) from the platform's standard
	// chain/name verification, for subscribers that want to inspect it
	// before deciding (e.g. to allow a known self-signed leaf).
	VerificationErr error
	// Accept is mutated by subscribers to grant or deny the certificate.
	Accept bool
}

// Subscriber inspects a ValidationEvent and may set event.Accept.
type Subscriber func(event *ValidationEvent)

// CertificateValidationBus is a multi-subscriber dispatch point for TLS
// peer-certificate validation decisions. With no subscribers, validation
// fails closed.
type CertificateValidationBus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewCertificateValidationBus returns an empty bus (fail-closed until a
// subscriber is added).
func NewCertificateValidationBus() *CertificateValidationBus {
	return &CertificateValidationBus{}
}

// Subscribe registers sub and returns a function that removes it.
func (b *CertificateValidationBus) Subscribe(sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, sub)
	idx := len(b.subscribers) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Validate dispatches event to every subscriber and returns the resulting
// Accept flag. Zero subscribers means reject.
func (b *CertificateValidationBus) Validate(event *ValidationEvent) bool {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return false
	}

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		sub(event)
	}
	return event.Accept
}

// AcceptAll returns a Subscriber that accepts every certificate
// unconditionally. Clone wires this into a clone's bus: the original
// session already accepted the host's certificate, and the clone targets
// the same host, so re-prompting would be pointless.
func AcceptAll() Subscriber {
	return func(event *ValidationEvent) {
		event.Accept = true
	}
}

// AcceptIfNoVerificationError returns a Subscriber that accepts whenever
// the platform's standard chain/name verification reported no error —
// i.e. the common case of "do normal TLS verification".
func AcceptIfNoVerificationError() Subscriber {
	return func(event *ValidationEvent) {
		if event.VerificationErr == nil {
			event.Accept = true
		}
	}
}

// NewOCSPSubscriber returns a Subscriber that queries the leaf
// certificate's OCSP responder, on top of whatever earlier subscribers
// decided. It only tightens an existing Accept=true into false on a
// confirmed-revoked response; it never accepts on its own. A chain shorter
// than two certificates, a leaf without an OCSP server, a request or parse
// failure, or a status other than revoked leaves the decision unchanged.
func NewOCSPSubscriber(httpClient *http.Client) Subscriber {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return func(event *ValidationEvent) {
		if !event.Accept || len(event.Chain) < 2 {
			return
		}

		leaf, issuer := event.Chain[0], event.Chain[1]
		if len(leaf.OCSPServer) == 0 {
			return
		}

		req, err := ocsp.CreateRequest(leaf, issuer, nil)
		if err != nil {
			return
		}

		resp, err := httpClient.Post(leaf.OCSPServer[0], "application/ocsp-request", bytes.NewReader(req))
		if err != nil {
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return
		}

		parsed, err := ocsp.ParseResponseForCert(body, leaf, issuer)
		if err != nil {
			return
		}

		if parsed.Status == ocsp.Revoked {
			event.Accept = false
		}
	}
}
