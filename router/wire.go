// Package router implements the LM Router: a concurrent multi-client
// server that lets code running inside a sandboxed Environment make LM
// calls without embedding provider credentials in the sandbox.
package router

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Request is the shape of one router RPC. Exactly one of Prompt/Prompts
// is populated (Prompts signals a batched request).
type Request struct {
	Prompt   string   `json:"prompt,omitempty"`
	Prompts  []string `json:"prompts,omitempty"`
	Model    string   `json:"model,omitempty"`
	Depth    int      `json:"depth"`
	Metadata any      `json:"metadata,omitempty"`
}

// IsBatched reports whether this request carries multiple prompts.
func (r Request) IsBatched() bool { return r.Prompts != nil }

// ChatCompletionWire is the JSON-wire shape of one completion result.
type ChatCompletionWire struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Usage    struct {
		Calls        int `json:"calls"`
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Response is the shape of one router RPC reply. Single requests populate
// ChatCompletion; batched requests populate ChatCompletions with a
// same-length, order-preserving slice; a failed element is nil and its
// message sits at the same index of Errors.
type Response struct {
	Success         bool                  `json:"success"`
	ChatCompletion  *ChatCompletionWire   `json:"chat_completion,omitempty"`
	ChatCompletions []*ChatCompletionWire `json:"chat_completions,omitempty"`
	Errors          []string              `json:"errors,omitempty"`
	Error           string                `json:"error,omitempty"`
}

const maxMessageBytes = 64 * 1024 * 1024 // guard against a corrupt length prefix

// writeMessage writes one u32_be(length) || UTF-8 JSON payload frame.
func writeMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads one frame and unmarshals its JSON payload into v. A
// zero-length read at the start of a frame (io.EOF with no bytes
// consumed) is reported as io.EOF, the orderly-close signal; a short read
// mid-message is a truncation error.
func readMessage(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("truncated message length prefix: %w", err)
		}
		return err // io.EOF: orderly close
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageBytes {
		return fmt.Errorf("message length %d exceeds limit %d", n, maxMessageBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("truncated message payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal wire payload: %w", err)
	}
	return nil
}
