package router

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessage_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Prompt: "hello", Depth: 1}
	require.NoError(t, writeMessage(&buf, req))

	var got Request
	require.NoError(t, readMessage(&buf, &got))
	assert.Equal(t, req, got)
}

func TestReadMessage_OrderlyCloseReturnsEOF(t *testing.T) {
	var buf bytes.Buffer
	var got Request
	err := readMessage(&buf, &got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessage_TruncatedLengthPrefixErrors(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 1})
	var got Request
	err := readMessage(buf, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestReadMessage_TruncatedPayloadErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, Request{Prompt: "hello world"}))
	truncated := buf.Bytes()[:len(buf.Bytes())-2]

	var got Request
	err := readMessage(bytes.NewReader(truncated), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated message payload")
}

func TestReadMessage_OversizedLengthRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var got Request
	err := readMessage(buf, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestRequest_IsBatched(t *testing.T) {
	assert.False(t, Request{Prompt: "x"}.IsBatched())
	assert.True(t, Request{Prompts: []string{"a", "b"}}.IsBatched())
}
