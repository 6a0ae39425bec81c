package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ErrSocketUnreachable matches errors for a daemon that does not answer.
var ErrSocketUnreachable = errors.New("daemon unreachable")

// RestartHint is appended to unreachable errors.
const RestartHint = "run `grepaid restart` to start a fresh daemon"

// Unreachable builds the client-side error for a socket nobody answers on.
func Unreachable(path string, cause error) *Error {
	return &Error{
		Code:    CodeDaemonUnreachable,
		Message: fmt.Sprintf("no daemon answering on %s: %v; %s", path, cause, RestartHint),
	}
}

// Client is one session with a daemon. Calls on a client are serialized.
type Client struct {
	path string
	conn net.Conn
	r    *bufio.Reader

	mu       sync.Mutex
	upgraded bool
}

// Dial connects to the socket at path. Dial failures satisfy
// errors.Is(err, ErrSocketUnreachable).
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, Unreachable(path, err)
	}
	return &Client{path: path, conn: conn, r: bufio.NewReaderSize(conn, 64<<10)}, nil
}

// DialRetry is Dial with one retry after a short backoff.
func DialRetry(ctx context.Context, path string) (*Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, func() (*Client, error) {
		return Dial(ctx, path)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends command with args and decodes the payload into out, which
// may be nil. Error responses are returned as *Error.
func (c *Client) Call(ctx context.Context, command string, args, out any) error {
	resp, err := c.roundTrip(ctx, command, args)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Upgrade sends an upgrade command and, once acknowledged, returns the
// raw stream. The client must not be used for calls afterwards.
func (c *Client) Upgrade(ctx context.Context, command string, args any) (io.ReadWriteCloser, error) {
	resp, err := c.roundTrip(ctx, command, args)
	if err != nil {
		return nil, err
	}
	if err := resp.Decode(nil); err != nil {
		return nil, err
	}
	c.upgraded = true
	_ = c.conn.SetDeadline(time.Time{})
	return &upgradedConn{Reader: c.r, conn: c.conn}, nil
}

func (c *Client) roundTrip(ctx context.Context, command string, args any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upgraded {
		return nil, errors.New("ipc: client connection was upgraded")
	}

	req := &Request{Command: command, RequestID: uuid.NewString()}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args: %w", err)
		}
		req.Args = data
	}

	// A canceled context unblocks pending I/O through the deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, c.ioError(ctx, err)
	}
	frame, err := ReadFrame(c.r)
	if err != nil {
		return nil, c.ioError(ctx, err)
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrProtocol, err)
	}
	if resp.RequestID != "" && resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("%w: response for %s, expected %s", ErrProtocol, resp.RequestID, req.RequestID)
	}
	if !resp.OK && resp.Error == nil {
		resp.Error = &Error{Code: CodeInternal, Message: "daemon returned an empty error"}
	}
	return &resp, nil
}

func (c *Client) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) {
		return Unreachable(c.path, errors.New("connection closed by daemon"))
	}
	return err
}

type upgradedConn struct {
	io.Reader
	conn net.Conn
}

func (u *upgradedConn) Write(p []byte) (int, error) { return u.conn.Write(p) }
func (u *upgradedConn) Close() error                { return u.conn.Close() }

// CloseWrite half-closes the stream so the daemon sees end of input while
// its output is still drained.
func (u *upgradedConn) CloseWrite() error {
	if uc, ok := u.conn.(*net.UnixConn); ok {
		return uc.CloseWrite()
	}
	return nil
}

// Call dials path, sends one command and closes the connection.
func Call(ctx context.Context, path, command string, args, out any) error {
	c, err := DialRetry(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(ctx, command, args, out)
}
