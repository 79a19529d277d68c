package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/nodekeeper/internal/store"
)

var errTimeout = errors.New("input timeout")

// Resolver picks the session's node id. Precedence:
//  1. environment override (no interaction at all)
//  2. operator-supplied value for this invocation
//  3. persisted value, confirmed by the operator within ConfirmTimeout
//     (silence means reuse)
//  4. interactive prompt
//
// Whatever wins is persisted before Resolve returns.
type Resolver struct {
	Store          store.Store
	EnvName        string
	Getenv         func(string) string
	Override       string
	In             io.Reader
	Out            io.Writer
	Interactive    bool
	ConfirmTimeout time.Duration
	Logger         *slog.Logger

	lines *lineReader
}

func (r *Resolver) Resolve(ctx context.Context) (NodeID, Source, error) {
	if r.EnvName != "" && r.Getenv != nil {
		if v := r.Getenv(r.EnvName); v != "" {
			return r.accept(v, SourceEnv)
		}
	}
	if r.Override != "" {
		return r.accept(r.Override, SourceFlag)
	}

	stored, ok := r.stored()
	if ok {
		if !r.Interactive {
			return r.accept(stored.String(), SourceStored)
		}
		reuse, err := r.confirm(ctx, stored)
		if err != nil {
			return "", "", err
		}
		if reuse {
			return r.accept(stored.String(), SourceStored)
		}
	}

	if !r.Interactive {
		return "", "", fmt.Errorf("%w: set %s or pass --node-id", ErrMissing, r.EnvName)
	}
	line, err := r.ask(ctx, "Enter your node id: ", 0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", "", ErrMissing
		}
		return "", "", err
	}
	return r.accept(line, SourcePrompt)
}

func (r *Resolver) accept(raw string, src Source) (NodeID, Source, error) {
	id, err := Parse(raw)
	if err != nil {
		return "", "", err
	}
	if err := r.Store.Set(id.String()); err != nil {
		return "", "", fmt.Errorf("persist node id: %w", err)
	}
	r.logger().Info("node id resolved", "node_id", id.String(), "source", string(src))
	return id, src, nil
}

// stored returns a usable persisted id. Unreadable or invalid files are
// logged and treated as absent.
func (r *Resolver) stored() (NodeID, bool) {
	v, err := r.Store.Get()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger().Warn("ignoring unreadable node id store", "error", err)
		}
		return "", false
	}
	id, err := Parse(v)
	if err != nil {
		r.logger().Warn("ignoring persisted node id", "error", err)
		return "", false
	}
	return id, true
}

func (r *Resolver) confirm(ctx context.Context, id NodeID) (bool, error) {
	secs := int(r.ConfirmTimeout.Round(time.Second) / time.Second)
	prompt := fmt.Sprintf("Use existing node id %s? [Y/n] (continuing in %ds) ", id, secs)
	ans, err := r.ask(ctx, prompt, r.ConfirmTimeout)
	switch {
	case errors.Is(err, errTimeout), errors.Is(err, io.EOF):
		r.printf("\n")
		return true, nil
	case err != nil:
		return false, err
	}
	switch strings.ToLower(ans) {
	case "n", "no":
		return false, nil
	default:
		return true, nil
	}
}

func (r *Resolver) ask(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if r.lines == nil {
		r.lines = newLineReader(r.In)
	}
	r.printf("%s", prompt)
	return r.lines.next(ctx, timeout)
}

func (r *Resolver) printf(format string, args ...any) {
	if r.Out != nil {
		_, _ = fmt.Fprintf(r.Out, format, args...)
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// lineReader owns the only goroutine reading In, so a timed-out prompt
// does not leave a second reader competing for the next line.
type lineReader struct {
	lines chan string
	err   chan error
}

func newLineReader(in io.Reader) *lineReader {
	l := &lineReader{lines: make(chan string), err: make(chan error, 1)}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			l.lines <- strings.TrimSpace(sc.Text())
		}
		if err := sc.Err(); err != nil {
			l.err <- err
			return
		}
		l.err <- io.EOF
	}()
	return l
}

func (l *lineReader) next(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s := <-l.lines:
		return s, nil
	case err := <-l.err:
		l.err <- err // keep reporting EOF to later calls
		return "", err
	case <-expired:
		return "", errTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
