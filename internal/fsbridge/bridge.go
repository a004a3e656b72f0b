// Package fsbridge satisfies file-system requests issued by the engine
// against the local file tree.
//
// The bridge fails closed: a request with a non-absolute path, a missing
// file, or an I/O error yields an empty read or a false write flag. A failed
// file request must never abort the enclosing session, so nothing here
// returns an error to the caller.
package fsbridge

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// Bridge resolves read and write requests from the engine.
type Bridge interface {
	// ReadText returns the file's content, or "" if the path is not
	// absolute or the read fails.
	ReadText(ctx context.Context, path string) string

	// WriteText writes content to path, creating missing parent
	// directories. Returns false if the path is not absolute or the write
	// fails.
	WriteText(ctx context.Context, path, content string) bool
}

// Local implements Bridge against the local file system.
type Local struct {
	logger *logging.Logger
}

// NewLocal creates a Local bridge. logger may be nil.
func NewLocal(logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Local{logger: logger.Named("fsbridge")}
}

// ReadText implements Bridge.
func (l *Local) ReadText(ctx context.Context, path string) string {
	if !filepath.IsAbs(path) {
		l.logger.Warn(ctx, "rejected read of non-absolute path", zap.String("path", path))
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn(ctx, "read failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(data)
}

// WriteText implements Bridge.
func (l *Local) WriteText(ctx context.Context, path, content string) bool {
	if !filepath.IsAbs(path) {
		l.logger.Warn(ctx, "rejected write to non-absolute path", zap.String("path", path))
		return false
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		l.logger.Warn(ctx, "mkdir failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		l.logger.Warn(ctx, "write failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}
