package ftpcore

import "context"

// Clone produces a sibling ControlSession that shares this session's
// SessionConfig and CapabilityRegistry, skips FEAT on its own Connect, and
// accepts every peer certificate unconditionally (this session has already
// validated the same host). Callers typically use a clone to open a second control connection
// for a parallel data transfer against a server that does not support
// pipelining commands on one connection.
//
// Clone does not connect the sibling; call Connect on the returned session.
func (c *ControlSession) Clone(ctx context.Context) (*ControlSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrAlreadyDisposed
	}

	sibling := &ControlSession{
		config:       c.config,
		certBus:      NewCertificateValidationBus(),
		capabilities: c.capabilities,
		encoding:     c.encoding,
		dataType:     DataTypeASCII,
		isClone:      true,
		logger:       c.logger,
	}
	sibling.certBus.Subscribe(AcceptAll())

	return sibling, nil
}
