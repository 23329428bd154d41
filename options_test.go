package ftpcore

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionConfig_AppliesOptionsInOrder(t *testing.T) {
	t.Parallel()

	cfg, err := NewSessionConfig("ftp.example.com", 21,
		WithCredentials("alice", "s3cr3t"),
		WithDataChannelMode(DataChannelEPSV),
		WithRateLimits(100, 200),
	)
	require.NoError(t, err)

	assert.Equal(t, Credentials{Username: "alice", Password: "s3cr3t"}, cfg.Credentials)
	assert.Equal(t, DataChannelEPSV, cfg.DataChannel)
	assert.Equal(t, 100, cfg.UploadRateLimitKBs)
	assert.Equal(t, 200, cfg.DownloadRateLimitKBs)
}

func TestWithExplicitTLS_ConflictsWithImplicit(t *testing.T) {
	t.Parallel()

	_, err := NewSessionConfig("ftp.example.com", 21,
		WithImplicitTLS(nil),
		WithExplicitTLS(nil),
	)
	assert.Error(t, err)
}

func TestWithImplicitTLS_DefaultsPortAndSessionCache(t *testing.T) {
	t.Parallel()

	cfg, err := NewSessionConfig("ftp.example.com", 0, WithImplicitTLS(&tls.Config{}))
	require.NoError(t, err)

	assert.Equal(t, 990, cfg.Port)
	assert.NotNil(t, cfg.TLSConfig.ClientSessionCache)
}

func TestWithKeepAliveAddr_InvalidAddress(t *testing.T) {
	t.Parallel()

	_, err := NewSessionConfig("ftp.example.com", 21, WithKeepAliveAddr("not-an-ip"))
	assert.Error(t, err)
}
