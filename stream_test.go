package ftpcore

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteLineStream_ConnectAndReadWriteLine(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	stream := NewByteLineStream(nil)
	stream.SetTimeouts(2*time.Second, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, stream.Connect(ctx, "127.0.0.1", port, IPv4Only))
	defer stream.Close()

	require.NoError(t, stream.WriteLine(EncodingASCII, "PWD"))

	line, err := stream.ReadLine(EncodingASCII)
	require.NoError(t, err)
	assert.Equal(t, "PWD", line)
}

func TestByteLineStream_BytesAvailableIsZeroWhenNotConnected(t *testing.T) {
	t.Parallel()

	stream := NewByteLineStream(nil)
	assert.Equal(t, 0, stream.BytesAvailable())
}

func TestByteLineStream_ReadLineBeforeConnectFails(t *testing.T) {
	t.Parallel()

	stream := NewByteLineStream(nil)
	_, err := stream.ReadLine(EncodingASCII)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestByteLineStream_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	stream := NewByteLineStream(nil)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestByteLineStream_SessionCacheIsAllocated(t *testing.T) {
	t.Parallel()

	stream := NewByteLineStream(nil)
	assert.NotNil(t, stream.SessionCache())
}
