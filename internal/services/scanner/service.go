// Package scanner finds WordPress configuration files below a directory.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ConfigFilename is the name of the WordPress configuration file.
const ConfigFilename = "wp-config.php"

// ErrScan is returned when the root directory cannot be traversed.
var ErrScan = errors.New("scan failed")

// Service defines the interface for configuration file discovery.
type Service interface {
	Scan(ctx context.Context, root string) ([]string, error)
}

// Impl implements the scanner Service interface.
type Impl struct {
	filename string
	logger   zerolog.Logger
}

// New creates a new scanner looking for wp-config.php.
func New(logger zerolog.Logger) *Impl {
	return NewWithFilename(logger, ConfigFilename)
}

// NewWithFilename creates a scanner looking for a custom file name.
func NewWithFilename(logger zerolog.Logger, filename string) *Impl {
	return &Impl{
		filename: filename,
		logger:   logger,
	}
}

// Scan walks root recursively and returns the paths of all matching files in
// traversal order. Unreadable subdirectories are skipped.
func (s *Impl) Scan(ctx context.Context, root string) ([]string, error) {
	s.logger.Debug().Str("root", root).Str("filename", s.filename).Msg("scanning for configs")

	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if walkErr != nil {
			if path == root {
				return walkErr
			}
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() && d.Name() == s.filename {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrScan, root, err)
	}

	return found, nil
}
