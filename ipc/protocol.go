// Package ipc is the wire protocol between grepaid clients and a project
// daemon: newline-delimited JSON frames over a unix socket.
//
// A client writes one Request per line and reads one Response per line.
// Responses carry the request_id of the request they answer. A command
// registered as an upgrade hands the connection to a stream handler after
// its ok response; no further frames are exchanged on it.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame, newline excluded.
const MaxFrameSize = 1 << 20

// Error codes carried in Response.Error.Code.
const (
	CodeProtocol          = "protocol_error"
	CodeUnknownCommand    = "unknown_command"
	CodeModeUnavailable   = "mode_unavailable"
	CodePartialFailure    = "partial_failure"
	CodeInvalidPath       = "invalid_path"
	CodeIndexBuildFailure = "index_build_failure"
	CodeManifestCorrupt   = "manifest_corruption"
	CodeInternal          = "internal"

	// CodeDaemonUnreachable never crosses the wire; the client reports it
	// when no daemon answers on the socket.
	CodeDaemonUnreachable = "daemon_unreachable"
)

var (
	// ErrProtocol reports a malformed frame.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownCommand reports a command with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrFrameTooLarge reports a frame over MaxFrameSize.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameSize)
)

// Request is one client command.
type Request struct {
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id"`
}

// Response answers the request with the same RequestID. Exactly one of
// Payload and Error is set.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Error is a structured failure. It is also the error value returned to
// client callers, so errors.Is works against the package sentinels.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return e.Code == CodeProtocol
	case ErrUnknownCommand:
		return e.Code == CodeUnknownCommand
	case ErrSocketUnreachable:
		return e.Code == CodeDaemonUnreachable
	}
	return false
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as an *Error, wrapping anything else as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Decode unmarshals a successful payload into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil || len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %T payload: %w", v, err)
	}
	return nil
}

// Arguments unmarshals the request args into v. Empty args leave v as is.
func (r *Request) Arguments(v any) error {
	if len(bytes.TrimSpace(r.Args)) == 0 || bytes.Equal(bytes.TrimSpace(r.Args), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return Errorf(CodeProtocol, "invalid args for %s: %v", r.Command, err)
	}
	return nil
}

// ReadFrame reads one newline-terminated frame. A frame larger than
// MaxFrameSize fails with ErrFrameTooLarge; the rest of the line is left
// unread since the connection is closed afterwards. io.EOF is returned on
// a clean end of stream only.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxFrameSize+1 {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(frame, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, fmt.Errorf("%w: unterminated frame", ErrProtocol)
		default:
			return nil, err
		}
	}
}

// WriteFrame marshals v and writes it followed by a newline.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// DecodeRequest parses a frame into a Request, rejecting frames without a
// command.
func DecodeRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if req.Command == "" {
		return &req, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &req, nil
}
