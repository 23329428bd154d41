package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		bytesPerSecond int
		expectNil      bool
	}{
		{"valid rate", 1024, false},
		{"zero rate (unlimited)", 0, true},
		{"negative rate (unlimited)", -1, true},
		{"very low rate", 1, false},
		{"high rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
			} else {
				assert.NotNil(t, limiter)
			}
		})
	}
}

func TestNewReader_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	reader := bytes.NewReader([]byte("test data"))

	assert.Same(t, io.Reader(reader), NewReader(context.Background(), reader, nil))
	assert.NotSame(t, io.Reader(reader), NewReader(context.Background(), reader, New(1024)))
}

func TestNewWriter_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	assert.Same(t, io.Writer(&buf), NewWriter(context.Background(), &buf, nil))
	assert.NotSame(t, io.Writer(&buf), NewWriter(context.Background(), &buf, New(1024)))
}

func TestReader_Read(t *testing.T) {
	t.Parallel()
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	// Burst equals the configured rate, so 1KB against a 10KB/s limit
	// (10KB burst) transfers instantly.
	limiter := New(10 * 1024)
	reader := NewReader(context.Background(), bytes.NewReader(data), limiter)

	result := make([]byte, 1024)
	n, err := io.ReadFull(reader, result)

	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, data, result)
}

func TestWriter_Write(t *testing.T) {
	t.Parallel()
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	limiter := New(10 * 1024)
	var buf bytes.Buffer
	writer := NewWriter(context.Background(), &buf, limiter)

	n, err := writer.Write(data)

	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, data, buf.Bytes())
}

func TestReader_LargeTransferIsThrottled(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	// 5KB/s with a 5KB burst: first 5KB instant, remaining 5KB costs ~1s.
	limiter := New(5 * 1024)
	reader := NewReader(context.Background(), bytes.NewReader(data), limiter)

	start := time.Now()
	result, err := io.ReadAll(reader)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, data, result)
	assert.GreaterOrEqual(t, duration, 700*time.Millisecond)
	assert.Less(t, duration, 3*time.Second)
}

func TestWriter_LargeTransferIsThrottled(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	limiter := New(5 * 1024)
	var buf bytes.Buffer
	writer := NewWriter(context.Background(), &buf, limiter)

	start := time.Now()
	n, err := writer.Write(data)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf.Bytes())
	assert.GreaterOrEqual(t, duration, 700*time.Millisecond)
	assert.Less(t, duration, 3*time.Second)
}

func TestUnlimitedRateDoesNotThrottle(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10*1024)

	reader := NewReader(context.Background(), bytes.NewReader(data), nil)

	start := time.Now()
	result, err := io.ReadAll(reader)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, result, len(data))
	assert.Less(t, duration, 100*time.Millisecond)
}

func TestReader_ContextCancellationStopsWait(t *testing.T) {
	t.Parallel()
	data := make([]byte, 10*1024)
	limiter := New(1024)

	ctx, cancel := context.WithCancel(context.Background())
	reader := NewReader(ctx, bytes.NewReader(data), limiter)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := io.ReadAll(reader)
	assert.Error(t, err)
}

func BenchmarkReader(b *testing.B) {
	data := make([]byte, 1024)
	limiter := New(1024 * 1024)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := NewReader(ctx, bytes.NewReader(data), limiter)
		if _, err := io.ReadAll(reader); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriter(b *testing.B) {
	data := make([]byte, 1024)
	limiter := New(1024 * 1024)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		writer := NewWriter(ctx, &buf, limiter)
		if _, err := writer.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
