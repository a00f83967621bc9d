// Package extract turns statement documents into a lazy stream of
// candidate transactions.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dvloznov/finance-sync/internal/domain"
	"google.golang.org/api/iterator"
)

// Stream yields candidates one at a time in document order.
//
// Next returns iterator.Done after the last candidate. A *ItemError means a
// single element was malformed; the stream stays usable. Any other error is
// fatal and is returned again by every later call.
type Stream interface {
	Next(ctx context.Context) (*domain.Candidate, error)
	Close() error
}

// Extractor opens a stream over one document. vocabulary lists the category
// names the model should choose from.
type Extractor interface {
	Extract(ctx context.Context, document []byte, mimeType string, vocabulary []string) (Stream, error)
}

// ItemError reports an element that could not be turned into a candidate.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("transaction %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// IsItemError reports whether err concerns a single element only.
func IsItemError(err error) bool {
	var ie *ItemError
	return errors.As(err, &ie)
}

// arrayStream decodes a JSON array of transaction objects element by element
// as bytes arrive.
type arrayStream struct {
	dec     *json.Decoder
	closeFn func()
	index   int
	started bool
	err     error
}

// NewArrayStream reads a JSON array of transaction objects from r. Any
// text before the opening bracket (code fences, chatter) is skipped, and
// nothing after the closing bracket is read. closeFn, if set, runs once on
// Close.
func NewArrayStream(r io.Reader, closeFn func()) Stream {
	dec := json.NewDecoder(&prefixSkipper{r: r})
	dec.UseNumber()
	return &arrayStream{dec: dec, closeFn: closeFn}
}

func (s *arrayStream) Next(ctx context.Context) (*domain.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.started {
		tok, err := s.dec.Token()
		if err != nil {
			return nil, s.fail(fmt.Errorf("Next: read array start: %w", noEOF(err)))
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return nil, s.fail(fmt.Errorf("Next: expected JSON array, got %v", tok))
		}
		s.started = true
	}

	if !s.dec.More() {
		if _, err := s.dec.Token(); err != nil {
			return nil, s.fail(fmt.Errorf("Next: read array end: %w", noEOF(err)))
		}
		s.err = iterator.Done
		return nil, iterator.Done
	}

	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return nil, s.fail(fmt.Errorf("Next: decode transaction %d: %w", s.index, noEOF(err)))
	}
	i := s.index
	s.index++

	obj, err := decodeObject(raw)
	if err != nil {
		return nil, &ItemError{Index: i, Err: err}
	}
	c, err := candidateFromObject(obj)
	if err != nil {
		return nil, &ItemError{Index: i, Err: err}
	}
	return c, nil
}

func (s *arrayStream) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		s.closeFn = nil
	}
	if s.err == nil {
		s.err = errors.New("stream closed")
	}
	return nil
}

func (s *arrayStream) fail(err error) error {
	s.err = err
	return err
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("element is %T, want object", v)
	}
	return obj, nil
}

// noEOF turns a premature EOF into io.ErrUnexpectedEOF so a truncated
// response is never mistaken for the end of the stream.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// prefixSkipper drops everything before the first '['.
type prefixSkipper struct {
	r     io.Reader
	found bool
}

func (p *prefixSkipper) Read(b []byte) (int, error) {
	for !p.found {
		n, err := p.r.Read(b)
		if i := bytes.IndexByte(b[:n], '['); i >= 0 {
			p.found = true
			return copy(b, b[i:n]), err
		}
		if err != nil {
			return 0, err
		}
	}
	return p.r.Read(b)
}
