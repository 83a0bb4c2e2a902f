// Package mysqldump provides MySQL/MariaDB dump operations.
package mysqldump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/shell"
	"github.com/rs/zerolog"
)

// Defaults used when no settings override them.
const (
	DefaultBinary = "mysqldump"
	PasswordEnv   = "MYSQL_PWD"
)

// DefaultExtraArgs keeps dumps working for users without the PROCESS privilege.
var DefaultExtraArgs = []string{"--no-tablespaces"}

// ErrDumpFailed is returned when the dump utility cannot produce a dump.
var ErrDumpFailed = errors.New("dump failed")

// Service defines the interface for database dump operations.
type Service interface {
	Dump(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs the command and writes its stdout to outputPath.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = output.Close() }()

	var stderr bytes.Buffer
	cmd.Stdout = output
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	return nil
}

// Impl implements the dump Service interface.
type Impl struct {
	executor CommandExecutor
	settings models.DumpSettings
	logger   zerolog.Logger
}

// New creates a new dump service.
func New(logger zerolog.Logger, settings models.DumpSettings) *Impl {
	return NewWithExecutor(logger, settings, &DefaultExecutor{})
}

// NewWithExecutor creates a new dump service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, settings models.DumpSettings, executor CommandExecutor) *Impl {
	if settings.Binary == "" {
		settings.Binary = DefaultBinary
	}
	if settings.ExtraArgs == nil {
		settings.ExtraArgs = DefaultExtraArgs
	}
	return &Impl{
		executor: executor,
		settings: settings,
		logger:   logger,
	}
}

// OutputFilename returns the dump file name for a database and run timestamp.
func OutputFilename(database, timestamp string) string {
	return fmt.Sprintf("%s_%s.dump.sql", database, timestamp)
}

// Command builds the dump invocation for creds writing to outputPath.
func (s *Impl) Command(creds models.DatabaseCredentials, outputPath string) shell.Command {
	args := []string{"--user=" + creds.User}
	args = append(args, hostArgs(creds.Host)...)
	args = append(args, s.settings.ExtraArgs...)
	// DB_NAME is read from an untrusted file; "--" ends option parsing.
	args = append(args, "--", creds.Name)

	return shell.Command{
		Env:    []string{PasswordEnv + "=" + creds.Password},
		Name:   s.settings.Binary,
		Args:   args,
		Stdout: outputPath,
	}
}

// Dump runs the dump utility for creds and returns the dump path.
func (s *Impl) Dump(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error) {
	outputPath := filepath.Join(opts.OutputDir, OutputFilename(creds.Name, opts.Timestamp))
	cmd := s.Command(creds, outputPath)

	result := &models.DumpResult{
		Database:   creds.Name,
		OutputPath: outputPath,
		Command:    cmd.String(),
		DryRun:     opts.DryRun,
	}

	s.logger.Info().
		Str("database", creds.Name).
		Str("output", outputPath).
		Str("command", result.Command).
		Bool("dry_run", opts.DryRun).
		Msg("dumping database")

	if opts.DryRun {
		return result, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.executor.ExecuteWithEnv(ctx, cmd.Env, outputPath, cmd.Name, cmd.Args...); err != nil {
		// Clean up partial file
		_ = os.Remove(outputPath)
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%w: database %s: %w", ErrDumpFailed, creds.Name, err)
	}
	result.Duration = time.Since(start)

	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("database dump completed")

	return result, nil
}

// hostArgs translates a WordPress DB_HOST value into connection flags. DB_HOST
// may carry a port ("db:3307"), a socket ("localhost:/run/mysqld.sock") or both
// forms with an IPv6 literal ("[::1]:3306").
func hostArgs(dbHost string) []string {
	if dbHost == "" {
		return nil
	}

	if i := strings.Index(dbHost, ":/"); i >= 0 {
		args := []string{"--socket=" + dbHost[i+1:]}
		if host := dbHost[:i]; host != "" {
			args = append([]string{"--host=" + host}, args...)
		}
		return args
	}

	if host, port, err := net.SplitHostPort(dbHost); err == nil {
		if _, convErr := strconv.Atoi(port); convErr == nil {
			return []string{"--host=" + host, "--port=" + port}
		}
	}

	return []string{"--host=" + strings.TrimSuffix(strings.TrimPrefix(dbHost, "["), "]")}
}
