// Package transport abstracts the wire to a target: dialing, running one
// payload, liveness checks. The pool and executor only see these interfaces.
package transport

import (
	"bytes"
	"context"
)

// Profile is the connection profile of one target, resolved at dispatch time.
type Profile struct {
	TargetSerial string
	Host         string
	Port         int32
	User         string
}

// Result is the raw outcome of running one payload over a connection.
// A non-zero ExitCode with a nil error means the target ran the payload and
// reported failure; transport problems surface as errors instead.
type Result struct {
	ExitCode  int
	Output    []byte
	Truncated bool
}

// Conn is one live session to a target.
type Conn interface {
	// Run sends payload and waits for completion or context expiry. On
	// context expiry it returns the partial output captured so far together
	// with the context error; the connection state is undefined afterwards.
	Run(ctx context.Context, payload string) (*Result, error)

	// Ping verifies the connection is still usable.
	Ping(ctx context.Context) error

	Close() error
}

// Connector dials new connections to targets.
type Connector interface {
	Dial(ctx context.Context, profile Profile) (Conn, error)
}

// capWriter captures output up to a fixed byte cap. Writes past the cap are
// counted as truncation, never as errors, so the remote command keeps running.
type capWriter struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func newCapWriter(limit int) *capWriter {
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	remain := w.limit - w.buf.Len()
	if remain <= 0 {
		if n > 0 {
			w.truncated = true
		}
		return n, nil
	}
	if n > remain {
		w.truncated = true
		p = p[:remain]
	}
	w.buf.Write(p)
	return n, nil
}

func (w *capWriter) Bytes() []byte {
	return w.buf.Bytes()
}
