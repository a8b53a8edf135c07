// Package tts synthesizes speech for one text segment at a time and hands
// the audio back incrementally
package tts

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the size of the audio frames handed to the client
const DefaultChunkSize = 5 * 1024

// Synthesizer starts speech synthesis for one segment
type Synthesizer interface {
	Stream(ctx context.Context, text string) (AudioStream, error)
}

// AudioStream yields encoded audio in order. Recv returns io.EOF after the
// last chunk. Close releases the upstream request and may be called at any
// time, more than once.
type AudioStream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// TransformFunc re-encodes one chunk of audio
type TransformFunc func([]byte) ([]byte, error)

type chunk struct {
	data []byte
	err  error
}

// bodyStream reads an HTTP response body in fixed-size chunks on its own
// goroutine so Recv can honour its context while a read is blocked
type bodyStream struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	chunks    chan chunk
	done      chan struct{}
	closeOnce sync.Once
	final     error
}

// newBodyStream starts pumping body. cancel aborts the request that produced it.
func newBodyStream(body io.ReadCloser, cancel context.CancelFunc, size int, transform TransformFunc) *bodyStream {
	if size <= 0 {
		size = DefaultChunkSize
	}
	s := &bodyStream{
		body:   body,
		cancel: cancel,
		chunks: make(chan chunk, 4),
		done:   make(chan struct{}),
	}
	go s.pump(size, transform)
	return s
}

func (s *bodyStream) pump(size int, transform TransformFunc) {
	defer close(s.chunks)
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(s.body, buf)
		if n > 0 {
			data := buf[:n]
			if transform != nil {
				var terr error
				if data, terr = transform(data); terr != nil {
					s.send(chunk{err: terr})
					return
				}
			}
			if len(data) > 0 && !s.send(chunk{data: data}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			s.send(chunk{err: err})
			return
		}
	}
}

func (s *bodyStream) send(c chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.done:
		return false
	}
}

// Recv implements AudioStream
func (s *bodyStream) Recv(ctx context.Context) ([]byte, error) {
	if s.final != nil {
		return nil, s.final
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-s.chunks:
		if !ok {
			s.final = io.EOF
			return nil, io.EOF
		}
		if c.err != nil {
			s.final = c.err
			return nil, c.err
		}
		return c.data, nil
	}
}

// Close implements AudioStream
func (s *bodyStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		err = s.body.Close()
	})
	return err
}
