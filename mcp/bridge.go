package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	charmlog "github.com/charmbracelet/log"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/ipc"
)

// Bridge connects an agent's stdio to the project daemon's MCP session.
// Stdout carries protocol bytes only: diagnostics go to the log, and when
// setup fails nothing at all is written to stdout.
type Bridge struct {
	opts BridgeOptions
	log  *charmlog.Logger
}

type BridgeOptions struct {
	// Ensure starts the project daemon if needed and returns its socket.
	Ensure func(ctx context.Context) (string, error)

	// Attempts bounds setup retries. Defaults to 3.
	Attempts int
	// RetryInterval is the first wait between attempts; it doubles.
	RetryInterval time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Logger *charmlog.Logger
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Bridge{opts: opts, log: logging.OrDiscard(opts.Logger)}
}

// Isolate points the process's stdout, stderr and every global logger at
// diag so stray writes cannot corrupt the MCP stream. It returns the
// original stdout for the bridge to use.
func Isolate(diag *os.File) *os.File {
	stdout := os.Stdout
	os.Stdout = diag
	os.Stderr = diag
	stdlog.SetOutput(diag)
	charmlog.SetOutput(diag)
	return stdout
}

// Run sets up the session, then relays until either side closes.
func (b *Bridge) Run(ctx context.Context) error {
	stream, err := b.connect(ctx)
	if err != nil {
		b.log.Error("mcp bridge setup failed", "attempts", b.opts.Attempts, "err", err)
		return err
	}
	defer stream.Close()
	b.log.Info("mcp bridge connected")
	return b.relay(ctx, stream)
}

func (b *Bridge) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	attempt := 0
	op := func() (io.ReadWriteCloser, error) {
		attempt++
		socket, err := b.opts.Ensure(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, backoff.Permanent(err)
			}
			b.log.Warn("daemon not available", "attempt", attempt, "err", err)
			return nil, err
		}
		c, err := ipc.Dial(ctx, socket)
		if err != nil {
			b.log.Warn("daemon socket unreachable", "attempt", attempt, "err", err)
			return nil, err
		}
		stream, err := c.Upgrade(ctx, daemon.CmdMCP, nil)
		if err != nil {
			c.Close()
			if errors.Is(err, ipc.ErrUnknownCommand) {
				return nil, backoff.Permanent(fmt.Errorf("daemon does not serve mcp: %w", err))
			}
			b.log.Warn("mcp upgrade failed", "attempt", attempt, "err", err)
			return nil, err
		}
		return stream, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.RetryInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(b.opts.Attempts)))
}

// relay copies stdin to the daemon and the daemon's output to stdout. End
// of stdin half-closes the stream so pending responses still arrive.
func (b *Bridge) relay(ctx context.Context, stream io.ReadWriteCloser) error {
	go func() {
		if _, err := io.Copy(stream, b.opts.Stdin); err != nil {
			b.log.Debug("stdin relay ended", "err", err)
		}
		if cw, ok := stream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			_ = stream.Close()
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(b.opts.Stdout, stream)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
