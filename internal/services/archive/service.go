// Package archive bundles a site directory and its dumps with an external tar.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/shell"
	"github.com/rs/zerolog"
)

// DefaultBinary is the archiver used when no settings override it.
const DefaultBinary = "tar"

var (
	// ErrArchiveFailed is returned when the archiver cannot produce the archive.
	ErrArchiveFailed = errors.New("archive failed")
	// ErrArchiveExists is returned instead of overwriting an earlier archive.
	ErrArchiveExists = fmt.Errorf("%w: archive already exists", ErrArchiveFailed)
)

// Service defines the interface for archive operations.
type Service interface {
	Build(ctx context.Context, siteDir string, dumps []string, opts models.RunOptions) (*models.ArchiveResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the archive Service interface.
type Impl struct {
	executor CommandExecutor
	binary   string
	logger   zerolog.Logger
}

// New creates a new archive service.
func New(logger zerolog.Logger, settings models.ArchiveSettings) *Impl {
	return NewWithExecutor(logger, settings, &DefaultExecutor{})
}

// NewWithExecutor creates a new archive service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, settings models.ArchiveSettings, executor CommandExecutor) *Impl {
	binary := settings.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return &Impl{
		executor: executor,
		binary:   binary,
		logger:   logger,
	}
}

// OutputFilename returns the archive name for a site directory and run timestamp.
func OutputFilename(siteDir, timestamp string) string {
	return fmt.Sprintf("%s_%s.tar.gz", filepath.Base(filepath.Clean(siteDir)), timestamp)
}

// Members resolves each path into the directory tar must change into and the
// relative name to add from there, so that no absolute path ends up in the archive.
func Members(paths ...string) ([]models.ArchiveMember, error) {
	members := make([]models.ArchiveMember, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		name := filepath.Base(abs)
		if name == string(filepath.Separator) {
			return nil, fmt.Errorf("cannot archive filesystem root %s", p)
		}
		members = append(members, models.ArchiveMember{Dir: filepath.Dir(abs), Name: name})
	}
	return members, nil
}

// Command builds the archiver invocation writing outputPath.
func (s *Impl) Command(outputPath string, members []models.ArchiveMember) shell.Command {
	args := []string{"czf", operand(outputPath)}
	for _, m := range members {
		args = append(args, "-C", m.Dir, operand(m.Name))
	}
	return shell.Command{Name: s.binary, Args: args}
}

// operand keeps a path that starts with a dash from being read as an option.
// Such members are stored as "./NAME" in the archive.
func operand(p string) string {
	if strings.HasPrefix(p, "-") {
		return "." + string(filepath.Separator) + p
	}
	return p
}

// Build archives siteDir together with dumps into one tar.gz in opts.OutputDir.
func (s *Impl) Build(ctx context.Context, siteDir string, dumps []string, opts models.RunOptions) (*models.ArchiveResult, error) {
	members, err := Members(append([]string{siteDir}, dumps...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}

	outputPath := filepath.Join(opts.OutputDir, OutputFilename(siteDir, opts.Timestamp))
	cmd := s.Command(outputPath, members)

	result := &models.ArchiveResult{
		OutputPath: outputPath,
		Members:    members,
		Command:    cmd.String(),
		DryRun:     opts.DryRun,
	}

	s.logger.Info().
		Str("site", siteDir).
		Int("dumps", len(dumps)).
		Str("output", outputPath).
		Str("command", result.Command).
		Bool("dry_run", opts.DryRun).
		Msg("creating archive")

	if opts.DryRun {
		return result, nil
	}

	if _, err := os.Stat(outputPath); err == nil {
		return result, fmt.Errorf("%w: %s", ErrArchiveExists, outputPath)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := s.executor.Execute(ctx, cmd.Name, cmd.Args...)
	result.Duration = time.Since(start)
	if err != nil {
		// Clean up partial archive
		_ = os.Remove(outputPath)
		return result, fmt.Errorf("%w: %s: %w, output: %s", ErrArchiveFailed, outputPath, err, strings.TrimSpace(string(output)))
	}

	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("archive created")

	return result, nil
}
