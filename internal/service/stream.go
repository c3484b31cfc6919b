package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"filevault/internal/domain"
)

// sizeGuard passes an upload body through unchanged and fails the read once
// the body turns out longer or shorter than declared, or ctx is cancelled.
// A failure is sticky.
type sizeGuard struct {
	ctx  context.Context
	r    io.Reader
	size int64
	read int64
	err  error
}

func newSizeGuard(ctx context.Context, r io.Reader, size int64) *sizeGuard {
	return &sizeGuard{ctx: ctx, r: r, size: size}
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if err := g.ctx.Err(); err != nil {
		g.err = fmt.Errorf("%w: upload cancelled: %w", domain.ErrUnavailable, err)
		return 0, g.err
	}

	n, err := g.r.Read(p)
	g.read += int64(n)
	if g.read > g.size {
		allowed := n - int(g.read-g.size)
		g.read = g.size
		g.err = fmt.Errorf("%w: body is longer than declared size %d", domain.ErrInvalidArgument, g.size)
		return allowed, g.err
	}
	if errors.Is(err, io.EOF) && g.read < g.size {
		g.err = fmt.Errorf("%w: body ended after %d of %d bytes", domain.ErrInvalidArgument, g.read, g.size)
		return n, g.err
	}
	return n, err
}

// transferReader marks read failures on an already handed-out object body
// as transfer errors so callers can tell them apart from a missing file.
// It never yields more than expected bytes.
type transferReader struct {
	body     io.ReadCloser
	expected int64
	read     int64
	err      error
}

func (t *transferReader) Read(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	if t.read >= t.expected {
		return 0, t.checkEnd()
	}

	if rem := t.expected - t.read; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := t.body.Read(p)
	t.read += int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if t.read < t.expected {
			t.err = fmt.Errorf("%w: object ended after %d of %d bytes: %w", domain.ErrTransfer, t.read, t.expected, io.ErrUnexpectedEOF)
			return n, t.err
		}
		t.err = io.EOF
		return n, io.EOF
	default:
		t.err = fmt.Errorf("%w: %w", domain.ErrTransfer, err)
		return n, t.err
	}
}

// checkEnd confirms the object has nothing past the expected length.
func (t *transferReader) checkEnd() error {
	var extra [1]byte
	n, err := io.ReadFull(t.body, extra[:])
	switch {
	case n > 0:
		t.err = fmt.Errorf("%w: object is longer than recorded size %d", domain.ErrTransfer, t.expected)
	case errors.Is(err, io.EOF):
		t.err = io.EOF
	default:
		t.err = fmt.Errorf("%w: %w", domain.ErrTransfer, err)
	}
	return t.err
}

func (t *transferReader) Close() error {
	return t.body.Close()
}
