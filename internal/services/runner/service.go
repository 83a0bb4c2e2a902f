// Package runner orchestrates the packaging workflow.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/services/archive"
	"github.com/fgeck/wp-packager/internal/services/mysqldump"
	"github.com/fgeck/wp-packager/internal/services/scanner"
	"github.com/fgeck/wp-packager/internal/services/ssh"
	"github.com/fgeck/wp-packager/internal/services/telegram"
	"github.com/fgeck/wp-packager/internal/services/wol"
	"github.com/fgeck/wp-packager/internal/services/wpconfig"
	"github.com/fgeck/wp-packager/internal/shell"
	"github.com/rs/zerolog"
)

// TimestampFormat names every file produced by one invocation. Minute
// granularity means two runs started within the same minute share it.
const TimestampFormat = "2006-01-02_1504"

var (
	// ErrRunFailed is returned when at least one directory failed.
	ErrRunFailed = errors.New("one or more directories failed")
	// ErrCleanup marks a dump file that could not be removed. It is never fatal.
	ErrCleanup = errors.New("cleanup warning")
)

// Timestamp formats the run timestamp shared by all dumps and archives.
func Timestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

// Service defines the interface for the packaging runner.
type Service interface {
	Run(ctx context.Context, cfg models.PackagerConfig, dirs []string, timestamp string) (*models.RunSummary, error)
}

// Services groups the collaborators used by the runner.
type Services struct {
	Scanner  scanner.Service
	Parser   wpconfig.Parser
	Dump     mysqldump.Service
	Archive  archive.Service
	SSH      ssh.Service
	WOL      wol.Service
	Telegram telegram.Service
}

// Impl implements the runner Service interface.
type Impl struct {
	scannerSvc  scanner.Service
	parserSvc   wpconfig.Parser
	dumpSvc     mysqldump.Service
	archiveSvc  archive.Service
	sshSvc      ssh.Service
	wolSvc      wol.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger, cfg models.PackagerConfig) *Impl {
	return NewWithServices(logger, Services{
		Scanner:  scanner.New(logger),
		Parser:   wpconfig.New(logger),
		Dump:     mysqldump.New(logger, cfg.Dump),
		Archive:  archive.New(logger, cfg.Archive),
		SSH:      ssh.New(logger),
		WOL:      wol.New(logger),
		Telegram: telegram.New(logger),
	})
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, svcs Services) *Impl {
	return &Impl{
		scannerSvc:  svcs.Scanner,
		parserSvc:   svcs.Parser,
		dumpSvc:     svcs.Dump,
		archiveSvc:  svcs.Archive,
		sshSvc:      svcs.SSH,
		wolSvc:      svcs.WOL,
		telegramSvc: svcs.Telegram,
		logger:      logger,
	}
}

// dumpedDatabase records which config first produced a database dump.
type dumpedDatabase struct {
	config string
	creds  models.DatabaseCredentials
}

// wakeState remembers the outcome of the single Wake-on-LAN attempt of a run.
type wakeState struct {
	done bool
	err  error
}

// Run processes dirs strictly in order. A failed directory does not stop the
// batch; the returned error joins every directory failure.
func (s *Impl) Run(ctx context.Context, cfg models.PackagerConfig, dirs []string, timestamp string) (*models.RunSummary, error) {
	summary := &models.RunSummary{
		Timestamp: timestamp,
		StartTime: time.Now(),
		DryRun:    cfg.DryRun,
	}

	opts := models.RunOptions{
		OutputDir: cfg.Output,
		Timestamp: timestamp,
		DryRun:    cfg.DryRun,
		Timeout:   cfg.Timeout,
	}

	s.logger.Info().
		Strs("dirs", dirs).
		Str("output", cfg.Output).
		Str("timestamp", timestamp).
		Bool("dry_run", cfg.DryRun).
		Msg("starting packaging run")

	if !cfg.DryRun {
		if err := os.MkdirAll(cfg.Output, 0o750); err != nil {
			return summary, fmt.Errorf("creating output directory: %w", err)
		}
	}

	wake := &wakeState{}
	var errs []error
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result := s.processDirectory(ctx, cfg, dir, opts, wake)
		summary.Directories = append(summary.Directories, result)
		if result.State == models.StateFailed {
			errs = append(errs, fmt.Errorf("%s: %w", dir, result.Error))
		}
	}

	summary.Duration = time.Since(summary.StartTime)

	s.logger.Info().
		Int("archived", summary.Archived()).
		Int("skipped", summary.Skipped()).
		Int("failed", summary.Failed()).
		Dur("duration", summary.Duration).
		Msg("packaging run finished")

	if cfg.Telegram != nil && !cfg.DryRun {
		s.sendNotification(ctx, cfg, summary)
	}

	if len(errs) > 0 {
		return summary, fmt.Errorf("%w: %w", ErrRunFailed, errors.Join(errs...))
	}
	return summary, nil
}

func (s *Impl) processDirectory(
	ctx context.Context,
	cfg models.PackagerConfig,
	dir string,
	opts models.RunOptions,
	wake *wakeState,
) models.DirectoryResult {
	result := models.DirectoryResult{Path: dir}
	logger := s.logger.With().Str("dir", dir).Logger()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		logger.Info().Msg("not a directory, skipping")
		result.State = models.StateSkipped
		return result
	}

	logger.Info().Msg("processing directory")

	result.State = models.StateScanning
	configs, err := s.scannerSvc.Scan(ctx, dir)
	if err != nil {
		return s.fail(logger, result, err, opts.DryRun)
	}
	result.Configs = configs

	if len(configs) == 0 {
		logger.Info().Msg("no WordPress configs found, skipping")
		result.State = models.StateNoConfigs
		return result
	}

	logger.Info().Strs("configs", configs).Msg("configs found")

	result.State = models.StateDumping
	// Dump files are named after the database, so each name is dumped once.
	dumped := make(map[string]dumpedDatabase, len(configs))
	for _, configPath := range configs {
		creds, err := s.parserSvc.Parse(configPath)
		if err != nil {
			return s.fail(logger, result, err, opts.DryRun)
		}

		if prev, ok := dumped[creds.Name]; ok {
			if prev.creds == *creds {
				logger.Info().
					Str("config", configPath).
					Str("database", creds.Name).
					Str("first_config", prev.config).
					Msg("database already dumped, skipping")
				continue
			}
			err := fmt.Errorf("%w: database %s in %s differs from the one in %s but would share its dump file",
				mysqldump.ErrDumpFailed, creds.Name, configPath, prev.config)
			return s.fail(logger, result, err, opts.DryRun)
		}

		dump, err := s.dumpSvc.Dump(ctx, *creds, opts)
		if err != nil {
			return s.fail(logger, result, err, opts.DryRun)
		}
		dumped[creds.Name] = dumpedDatabase{config: configPath, creds: *creds}
		result.Dumps = append(result.Dumps, dump.OutputPath)
	}

	result.State = models.StateArchiving
	archiveResult, err := s.archiveSvc.Build(ctx, dir, result.Dumps, opts)
	if err != nil {
		return s.fail(logger, result, err, opts.DryRun)
	}
	result.Archive = archiveResult.OutputPath
	result.ArchiveSize = archiveResult.SizeBytes

	if cfg.Remote != nil {
		result.State = models.StateUploading
		if err := s.upload(ctx, *cfg.Remote, result.Archive, opts.DryRun, wake); err != nil {
			return s.fail(logger, result, err, opts.DryRun)
		}
	}

	result.State = models.StateCleaningUp
	s.cleanup(logger, &result, opts.DryRun)

	result.State = models.StateDone
	logger.Info().
		Str("archive", result.Archive).
		Int("dumps", len(result.Dumps)).
		Msg("directory packaged")

	return result
}

// fail records err against the current state and still removes the dumps
// produced so far.
func (s *Impl) fail(logger zerolog.Logger, result models.DirectoryResult, err error, dryRun bool) models.DirectoryResult {
	result.FailedStep = result.State
	result.State = models.StateFailed
	result.Error = err

	logger.Error().
		Err(err).
		Str("step", string(result.FailedStep)).
		Msg("directory failed")

	s.cleanup(logger, &result, dryRun)
	return result
}

// cleanup removes the dump files of result. Failures are logged and recorded,
// never returned.
func (s *Impl) cleanup(logger zerolog.Logger, result *models.DirectoryResult, dryRun bool) {
	for _, dump := range result.Dumps {
		logger.Info().
			Str("command", shell.Remove(dump)).
			Bool("dry_run", dryRun).
			Msg("removing dump file")

		if dryRun {
			continue
		}

		if err := os.Remove(dump); err != nil {
			logger.Warn().Err(err).Str("dump", dump).Msg("failed to remove dump file")
			result.CleanupErrors = append(result.CleanupErrors, fmt.Errorf("%w: %w", ErrCleanup, err))
		}
	}
}

// upload copies the archive to the backup host, waking it first on the run's
// first upload.
func (s *Impl) upload(ctx context.Context, remote models.RemoteConfig, archivePath string, dryRun bool, wake *wakeState) error {
	if remote.WOL != nil && !wake.done {
		wake.done = true
		if dryRun {
			s.logger.Info().
				Str("mac", remote.WOL.MACAddress).
				Bool("dry_run", true).
				Msg("sending WOL packet")
		} else {
			wake.err = s.runWOL(ctx, remote)
		}
	}
	if wake.err != nil {
		return wake.err
	}

	result, err := s.sshSvc.Upload(ctx, remote, archivePath, dryRun)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *Impl) runWOL(ctx context.Context, remote models.RemoteConfig) error {
	result, err := s.wolSvc.Wake(ctx, *remote.WOL, ssh.Address(remote))
	if err != nil {
		return fmt.Errorf("%w: WOL failed: %w", ssh.ErrUploadFailed, err)
	}
	if result.Error != nil {
		return fmt.Errorf("%w: WOL failed: %w", ssh.ErrUploadFailed, result.Error)
	}
	if !result.TargetReady {
		return fmt.Errorf("%w: backup host did not become ready after WOL", ssh.ErrUploadFailed)
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.PackagerConfig, summary *models.RunSummary) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	msg := models.TelegramMessage{
		Success:   summary.Failed() == 0,
		Host:      host,
		Output:    cfg.Output,
		Timestamp: summary.Timestamp,
		StartTime: summary.StartTime,
		Duration:  summary.Duration,
		Processed: len(summary.Directories),
		Skipped:   summary.Skipped(),
	}

	for _, d := range summary.Directories {
		switch d.State {
		case models.StateDone:
			msg.Archives = append(msg.Archives, d.Archive)
			msg.ArchiveBytes += d.ArchiveSize
		case models.StateFailed:
			msg.Failures = append(msg.Failures, fmt.Sprintf("%s (%s): %v", d.Path, d.FailedStep, d.Error))
		}
	}

	result, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
