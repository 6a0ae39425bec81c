package daemon

import (
	"context"
	"errors"

	"github.com/yoanbernabeu/grepaid/indexer"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/manifest"
	"github.com/yoanbernabeu/grepaid/project"
	"github.com/yoanbernabeu/grepaid/search"
)

// errIndexBuild marks failures of an index run that are not per-file.
var errIndexBuild = errors.New("index build failed")

type indexBuildError struct{ err error }

func (e *indexBuildError) Error() string        { return e.err.Error() }
func (e *indexBuildError) Unwrap() error        { return e.err }
func (e *indexBuildError) Is(target error) bool { return target == errIndexBuild }

func (h *Host) registerHandlers() {
	h.server.Handle(CmdPing, func(context.Context, *ipc.Request) (any, error) {
		return h.Ping(), nil
	})

	h.server.Handle(CmdStatus, func(ctx context.Context, _ *ipc.Request) (any, error) {
		return h.Status(ctx)
	})

	h.server.Handle(CmdSearch, func(ctx context.Context, req *ipc.Request) (any, error) {
		var args search.Request
		if err := req.Arguments(&args); err != nil {
			return nil, err
		}
		if args.Query == "" {
			return nil, ipc.Errorf(ipc.CodeProtocol, "search requires a query")
		}
		if args.Mode != "" {
			mode, err := search.ParseMode(string(args.Mode))
			if err != nil {
				return nil, ipc.Errorf(ipc.CodeProtocol, "%v", err)
			}
			args.Mode = mode
		}
		return h.Search(ctx, args)
	})

	h.server.Handle(CmdIndex, func(ctx context.Context, req *ipc.Request) (any, error) {
		var args IndexArgs
		if err := req.Arguments(&args); err != nil {
			return nil, err
		}
		res, err := h.Reindex(ctx, args)
		if err != nil && res != nil && res.Summary != nil &&
			!errors.Is(err, indexer.ErrPartialFailure) && !errors.Is(err, manifest.ErrCorrupt) {
			err = &indexBuildError{err: err}
		}
		if err != nil && errors.Is(err, indexer.ErrPartialFailure) {
			// The summary still describes what was committed.
			return nil, partialFailure(err, res)
		}
		return res, err
	})

	h.server.Handle(CmdStop, func(context.Context, *ipc.Request) (any, error) {
		// Answer first; Run begins shutting down once the stop channel
		// closes and the drain lets this response through.
		h.Stop()
		return struct {
			Stopping bool `json:"stopping"`
		}{true}, nil
	})

	if h.opts.MCP != nil {
		h.server.HandleUpgrade(CmdMCP, nil, h.opts.MCP(h))
	}
}

func partialFailure(err error, res *IndexResult) *ipc.Error {
	var pf *indexer.PartialFailureError
	failed := map[string]string{}
	if errors.As(err, &pf) {
		for _, f := range pf.Failed {
			failed[f.Path] = f.Err.Error()
		}
	}
	return &ipc.Error{
		Code:    ipc.CodePartialFailure,
		Message: err.Error(),
		Details: map[string]any{"failed": failed, "summary": res.Summary},
	}
}

// mapError converts handler errors to wire codes.
func mapError(err error) *ipc.Error {
	var wire *ipc.Error
	if errors.As(err, &wire) {
		return wire
	}

	var mu *search.ModeUnavailableError
	switch {
	case errors.As(err, &mu):
		return &ipc.Error{
			Code:    ipc.CodeModeUnavailable,
			Message: err.Error(),
			Details: map[string]string{"mode": string(mu.Mode), "reason": mu.Reason},
		}
	case errors.Is(err, search.ErrModeUnavailable):
		return &ipc.Error{Code: ipc.CodeModeUnavailable, Message: err.Error()}
	case errors.Is(err, search.ErrInvalidPattern):
		return &ipc.Error{Code: ipc.CodeProtocol, Message: err.Error()}
	case errors.Is(err, indexer.ErrPartialFailure):
		return partialFailure(err, &IndexResult{})
	case errors.Is(err, project.ErrInvalidPath):
		return &ipc.Error{Code: ipc.CodeInvalidPath, Message: err.Error()}
	case errors.Is(err, manifest.ErrCorrupt):
		return &ipc.Error{Code: ipc.CodeManifestCorrupt, Message: err.Error()}
	case errors.Is(err, errIndexBuild):
		return &ipc.Error{Code: ipc.CodeIndexBuildFailure, Message: err.Error()}
	default:
		return &ipc.Error{Code: ipc.CodeInternal, Message: err.Error()}
	}
}
