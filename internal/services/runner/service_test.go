package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/services/archive"
	"github.com/fgeck/wp-packager/internal/services/mysqldump"
	"github.com/fgeck/wp-packager/internal/services/scanner"
	"github.com/fgeck/wp-packager/internal/services/ssh"
	"github.com/fgeck/wp-packager/internal/services/wpconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockScannerService struct {
	scanFunc func(ctx context.Context, root string) ([]string, error)
}

func (m *mockScannerService) Scan(ctx context.Context, root string) ([]string, error) {
	if m.scanFunc != nil {
		return m.scanFunc(ctx, root)
	}
	return []string{filepath.Join(root, "wp-config.php")}, nil
}

type mockParser struct {
	parseFunc func(path string) (*models.DatabaseCredentials, error)
}

func (m *mockParser) Parse(path string) (*models.DatabaseCredentials, error) {
	if m.parseFunc != nil {
		return m.parseFunc(path)
	}
	name := filepath.Base(filepath.Dir(path))
	return &models.DatabaseCredentials{Name: name, User: name + "_u", Host: "localhost", Password: "secret"}, nil
}

type mockDumpService struct {
	dumpFunc func(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error)
	calls    []string
}

func (m *mockDumpService) Dump(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error) {
	m.calls = append(m.calls, creds.Name)
	if m.dumpFunc != nil {
		return m.dumpFunc(ctx, creds, opts)
	}
	outputPath := filepath.Join(opts.OutputDir, mysqldump.OutputFilename(creds.Name, opts.Timestamp))
	if !opts.DryRun {
		if err := os.WriteFile(outputPath, []byte("-- dump"), 0o600); err != nil {
			return nil, err
		}
	}
	return &models.DumpResult{Database: creds.Name, OutputPath: outputPath, DryRun: opts.DryRun}, nil
}

type mockArchiveService struct {
	buildFunc func(ctx context.Context, siteDir string, dumps []string, opts models.RunOptions) (*models.ArchiveResult, error)
	calls     [][]string
}

func (m *mockArchiveService) Build(ctx context.Context, siteDir string, dumps []string, opts models.RunOptions) (*models.ArchiveResult, error) {
	m.calls = append(m.calls, append([]string{siteDir}, dumps...))
	if m.buildFunc != nil {
		return m.buildFunc(ctx, siteDir, dumps, opts)
	}
	outputPath := filepath.Join(opts.OutputDir, archive.OutputFilename(siteDir, opts.Timestamp))
	return &models.ArchiveResult{OutputPath: outputPath, SizeBytes: 2048, DryRun: opts.DryRun}, nil
}

type mockSSHService struct {
	uploadFunc         func(ctx context.Context, cfg models.RemoteConfig, localPath string, dryRun bool) (*models.UploadResult, error)
	testConnectionFunc func(ctx context.Context, cfg models.RemoteConfig) (*models.SSHResult, error)
	uploads            []string
}

func (m *mockSSHService) Upload(ctx context.Context, cfg models.RemoteConfig, localPath string, dryRun bool) (*models.UploadResult, error) {
	m.uploads = append(m.uploads, localPath)
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, cfg, localPath, dryRun)
	}
	return &models.UploadResult{RemotePath: ssh.RemotePath(cfg, localPath)}, nil
}

func (m *mockSSHService) TestConnection(ctx context.Context, cfg models.RemoteConfig) (*models.SSHResult, error) {
	if m.testConnectionFunc != nil {
		return m.testConnectionFunc(ctx, cfg)
	}
	return &models.SSHResult{CommandRun: true, Output: "OK"}, nil
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig, probeAddr string) (*models.WOLResult, error)
	calls    int
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig, probeAddr string) (*models.WOLResult, error) {
	m.calls++
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg, probeAddr)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
	sent     []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.sent = append(m.sent, msg)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type mocks struct {
	scanner  *mockScannerService
	parser   *mockParser
	dump     *mockDumpService
	archive  *mockArchiveService
	ssh      *mockSSHService
	wol      *mockWOLService
	telegram *mockTelegramService
}

func newMocks() *mocks {
	return &mocks{
		scanner:  &mockScannerService{},
		parser:   &mockParser{},
		dump:     &mockDumpService{},
		archive:  &mockArchiveService{},
		ssh:      &mockSSHService{},
		wol:      &mockWOLService{},
		telegram: &mockTelegramService{},
	}
}

func (m *mocks) runner(logger zerolog.Logger) *Impl {
	return NewWithServices(logger, Services{
		Scanner:  m.scanner,
		Parser:   m.parser,
		Dump:     m.dump,
		Archive:  m.archive,
		SSH:      m.ssh,
		WOL:      m.wol,
		Telegram: m.telegram,
	})
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const testTimestamp = "2024-05-01_1230"

func testConfig(t *testing.T) models.PackagerConfig {
	t.Helper()
	return models.PackagerConfig{Output: filepath.Join(t.TempDir(), "backups")}
}

func makeSite(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	return dir
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "2024-05-01_1230", Timestamp(ts))
}

func TestRun_Success_SingleDirectory(t *testing.T) {
	m := newMocks()
	cfg := testConfig(t)
	site := makeSite(t, t.TempDir(), "blog")

	summary, err := m.runner(testLogger()).Run(context.Background(), cfg, []string{site}, testTimestamp)

	require.NoError(t, err)
	require.Len(t, summary.Directories, 1)
	d := summary.Directories[0]
	assert.Equal(t, models.StateDone, d.State)
	assert.Equal(t, filepath.Join(cfg.Output, "blog_"+testTimestamp+".tar.gz"), d.Archive)
	assert.Equal(t, int64(2048), d.ArchiveSize)
	assert.Equal(t, 1, summary.Archived())
	assert.Equal(t, testTimestamp, summary.Timestamp)
	assert.DirExists(t, cfg.Output)
}

func TestRun_NoConfigs_NoDumpOrArchive(t *testing.T) {
	m := newMocks()
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return nil, nil
	}
	site := makeSite(t, t.TempDir(), "static")

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.NoError(t, err)
	assert.Equal(t, models.StateNoConfigs, summary.Directories[0].State)
	assert.Empty(t, m.dump.calls)
	assert.Empty(t, m.archive.calls)
	assert.Equal(t, 1, summary.Skipped())
}

func TestRun_NotADirectory_Skipped(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	file := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t),
		[]string{file, filepath.Join(root, "missing")}, testTimestamp)

	require.NoError(t, err)
	require.Len(t, summary.Directories, 2)
	assert.Equal(t, models.StateSkipped, summary.Directories[0].State)
	assert.Equal(t, models.StateSkipped, summary.Directories[1].State)
	assert.Equal(t, 2, summary.Skipped())
	assert.Equal(t, 0, summary.Failed())
}

func TestRun_MultipleConfigs_OneArchiveAndDumpsRemoved(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "network")
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return []string{
			filepath.Join(root, "a", "wp-config.php"),
			filepath.Join(root, "b", "wp-config.php"),
			filepath.Join(root, "c", "wp-config.php"),
		}, nil
	}
	cfg := testConfig(t)

	summary, err := m.runner(testLogger()).Run(context.Background(), cfg, []string{site}, testTimestamp)

	require.NoError(t, err)
	d := summary.Directories[0]
	assert.Equal(t, models.StateDone, d.State)
	assert.Equal(t, []string{"a", "b", "c"}, m.dump.calls)
	require.Len(t, m.archive.calls, 1)
	assert.Equal(t, site, m.archive.calls[0][0])
	assert.Len(t, m.archive.calls[0], 4)
	require.Len(t, d.Dumps, 3)
	for _, dump := range d.Dumps {
		assert.NoFileExists(t, dump)
	}
	assert.Empty(t, d.CleanupErrors)
}

func TestRun_MissingField_AbortsDirectoryAndCleansUp(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "network")
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return []string{
			filepath.Join(root, "a", "wp-config.php"),
			filepath.Join(root, "b", "wp-config.php"),
			filepath.Join(root, "c", "wp-config.php"),
		}, nil
	}
	m.parser.parseFunc = func(path string) (*models.DatabaseCredentials, error) {
		name := filepath.Base(filepath.Dir(path))
		if name == "b" {
			return nil, &wpconfig.MissingFieldError{Path: path, Fields: []string{"db_password"}}
		}
		return &models.DatabaseCredentials{Name: name, User: "u", Host: "localhost"}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.ErrorIs(t, err, wpconfig.ErrMissingField)

	d := summary.Directories[0]
	assert.Equal(t, models.StateFailed, d.State)
	assert.Equal(t, models.StateDumping, d.FailedStep)
	assert.Equal(t, []string{"a"}, m.dump.calls)
	assert.Empty(t, m.archive.calls)
	require.Len(t, d.Dumps, 1)
	assert.NoFileExists(t, d.Dumps[0])
}

func TestRun_DumpFailure_ContinuesBatch(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	broken := makeSite(t, root, "broken")
	healthy := makeSite(t, root, "healthy")
	m.dump.dumpFunc = func(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error) {
		if creds.Name == "broken" {
			return nil, fmt.Errorf("%w: database broken: exit status 2", mysqldump.ErrDumpFailed)
		}
		return &models.DumpResult{OutputPath: filepath.Join(opts.OutputDir, "healthy.sql")}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{broken, healthy}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, mysqldump.ErrDumpFailed)
	assert.Contains(t, err.Error(), broken)
	require.Len(t, summary.Directories, 2)
	assert.Equal(t, models.StateFailed, summary.Directories[0].State)
	assert.Equal(t, models.StateDone, summary.Directories[1].State)
	require.Len(t, m.archive.calls, 1)
	assert.Equal(t, healthy, m.archive.calls[0][0])
	assert.Equal(t, 1, summary.Failed())
	assert.Equal(t, 1, summary.Archived())
}

func TestRun_ArchiveFailure_RemovesDumps(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "blog")
	m.archive.buildFunc = func(ctx context.Context, siteDir string, dumps []string, opts models.RunOptions) (*models.ArchiveResult, error) {
		return nil, fmt.Errorf("%w: /out/blog.tar.gz", archive.ErrArchiveExists)
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrArchiveFailed)
	d := summary.Directories[0]
	assert.Equal(t, models.StateArchiving, d.FailedStep)
	require.Len(t, d.Dumps, 1)
	assert.NoFileExists(t, d.Dumps[0])
}

func TestRun_SameDatabaseTwice_DumpedOnce(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "network")
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return []string{
			filepath.Join(root, "a", "wp-config.php"),
			filepath.Join(root, "b", "wp-config.php"),
		}, nil
	}
	m.parser.parseFunc = func(path string) (*models.DatabaseCredentials, error) {
		return &models.DatabaseCredentials{Name: "wp", User: "wp_u", Host: "localhost", Password: "secret"}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.NoError(t, err)
	d := summary.Directories[0]
	assert.Equal(t, models.StateDone, d.State)
	assert.Equal(t, []string{"wp"}, m.dump.calls)
	require.Len(t, d.Dumps, 1)
	require.Len(t, m.archive.calls, 1)
	assert.Len(t, m.archive.calls[0], 2)
	assert.Empty(t, d.CleanupErrors)
}

func TestRun_SameDatabaseNameDifferentHosts_Fails(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "network")
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return []string{
			filepath.Join(root, "a", "wp-config.php"),
			filepath.Join(root, "b", "wp-config.php"),
		}, nil
	}
	m.parser.parseFunc = func(path string) (*models.DatabaseCredentials, error) {
		host := "db1.internal"
		if filepath.Base(filepath.Dir(path)) == "b" {
			host = "db2.internal"
		}
		return &models.DatabaseCredentials{Name: "wp", User: "wp_u", Host: host, Password: "secret"}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, mysqldump.ErrDumpFailed)
	d := summary.Directories[0]
	assert.Equal(t, models.StateFailed, d.State)
	assert.Equal(t, models.StateDumping, d.FailedStep)
	assert.Equal(t, []string{"wp"}, m.dump.calls)
	assert.Empty(t, m.archive.calls)
	require.Len(t, d.Dumps, 1)
	assert.NoFileExists(t, d.Dumps[0])
	assert.Empty(t, d.CleanupErrors)
}

func TestRun_ScanFailure(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "blog")
	m.scanner.scanFunc = func(ctx context.Context, root string) ([]string, error) {
		return nil, fmt.Errorf("%w: permission denied", scanner.ErrScan)
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, scanner.ErrScan)
	assert.Equal(t, models.StateScanning, summary.Directories[0].FailedStep)
}

func TestRun_CleanupFailureIsNotFatal(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "blog")
	m.dump.dumpFunc = func(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error) {
		// A non-empty directory cannot be removed with os.Remove.
		dir := filepath.Join(opts.OutputDir, "stuck")
		if err := os.MkdirAll(filepath.Join(dir, "child"), 0o750); err != nil {
			return nil, err
		}
		return &models.DumpResult{OutputPath: dir}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), testConfig(t), []string{site}, testTimestamp)

	require.NoError(t, err)
	d := summary.Directories[0]
	assert.Equal(t, models.StateDone, d.State)
	require.Len(t, d.CleanupErrors, 1)
	assert.ErrorIs(t, d.CleanupErrors[0], ErrCleanup)
}

func TestRun_DryRun_CreatesAndDeletesNothing(t *testing.T) {
	m := newMocks()
	site := makeSite(t, t.TempDir(), "blog")
	cfg := testConfig(t)
	cfg.DryRun = true
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	summary, err := m.runner(testLogger()).Run(context.Background(), cfg, []string{site}, testTimestamp)

	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, models.StateDone, summary.Directories[0].State)
	assert.NoDirExists(t, cfg.Output)
	assert.Empty(t, m.telegram.sent)
}

func TestRun_OutputDirCreationFailure(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := m.runner(testLogger()).Run(context.Background(),
		models.PackagerConfig{Output: filepath.Join(blocker, "out")}, []string{root}, testTimestamp)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating output directory")
	assert.Empty(t, m.dump.calls)
}

func TestRun_ContextCancelled(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	site := makeSite(t, root, "blog")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := m.runner(testLogger()).Run(ctx, testConfig(t), []string{site}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Directories)
}

func TestRun_WithRemote_UploadsEachArchive(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Remote = &models.RemoteConfig{Host: "nas", Port: 22, Path: "/srv/backups"}

	_, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{makeSite(t, root, "one"), makeSite(t, root, "two")}, testTimestamp)

	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(cfg.Output, "one_"+testTimestamp+".tar.gz"),
		filepath.Join(cfg.Output, "two_"+testTimestamp+".tar.gz"),
	}, m.ssh.uploads)
	assert.Equal(t, 0, m.wol.calls)
}

func TestRun_WithWOL_WakesOnce(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Remote = &models.RemoteConfig{
		Host: "nas", Port: 2222, Path: "/srv/backups",
		WOL: &models.WOLConfig{MACAddress: "aa:bb:cc:dd:ee:ff"},
	}

	var probed string
	m.wol.wakeFunc = func(ctx context.Context, wcfg models.WOLConfig, probeAddr string) (*models.WOLResult, error) {
		probed = probeAddr
		return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
	}

	_, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{makeSite(t, root, "one"), makeSite(t, root, "two")}, testTimestamp)

	require.NoError(t, err)
	assert.Equal(t, 1, m.wol.calls)
	assert.Equal(t, "nas:2222", probed)
	assert.Len(t, m.ssh.uploads, 2)
}

func TestRun_WOLFailure_FailsUploadsWithoutRetry(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Remote = &models.RemoteConfig{
		Host: "nas", Port: 22, Path: "/srv/backups",
		WOL: &models.WOLConfig{MACAddress: "aa:bb:cc:dd:ee:ff"},
	}
	m.wol.wakeFunc = func(ctx context.Context, wcfg models.WOLConfig, probeAddr string) (*models.WOLResult, error) {
		return &models.WOLResult{PacketSent: true, Error: errors.New("timeout waiting for target")}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{makeSite(t, root, "one"), makeSite(t, root, "two")}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, ssh.ErrUploadFailed)
	assert.Equal(t, 1, m.wol.calls)
	assert.Empty(t, m.ssh.uploads)
	assert.Equal(t, 2, summary.Failed())
	assert.Equal(t, models.StateUploading, summary.Directories[0].FailedStep)
}

func TestRun_UploadFailure(t *testing.T) {
	m := newMocks()
	cfg := testConfig(t)
	cfg.Remote = &models.RemoteConfig{Host: "nas", Port: 22, Path: "/srv/backups"}
	m.ssh.uploadFunc = func(ctx context.Context, rcfg models.RemoteConfig, localPath string, dryRun bool) (*models.UploadResult, error) {
		return &models.UploadResult{Error: fmt.Errorf("%w: connection refused", ssh.ErrUploadFailed)}, nil
	}

	summary, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{makeSite(t, t.TempDir(), "blog")}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, ssh.ErrUploadFailed)
	d := summary.Directories[0]
	assert.Equal(t, models.StateUploading, d.FailedStep)
	require.Len(t, d.Dumps, 1)
	assert.NoFileExists(t, d.Dumps[0])
}

func TestRun_WithTelegram_Summary(t *testing.T) {
	m := newMocks()
	root := t.TempDir()
	good := makeSite(t, root, "good")
	bad := makeSite(t, root, "bad")
	cfg := testConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "123"}
	m.dump.dumpFunc = func(ctx context.Context, creds models.DatabaseCredentials, opts models.RunOptions) (*models.DumpResult, error) {
		if creds.Name == "bad" {
			return nil, mysqldump.ErrDumpFailed
		}
		return &models.DumpResult{OutputPath: filepath.Join(opts.OutputDir, "good.sql")}, nil
	}

	_, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{good, bad, filepath.Join(root, "missing")}, testTimestamp)

	require.Error(t, err)
	require.Len(t, m.telegram.sent, 1)
	msg := m.telegram.sent[0]
	assert.False(t, msg.Success)
	assert.Equal(t, 3, msg.Processed)
	assert.Equal(t, 1, msg.Skipped)
	assert.Equal(t, []string{filepath.Join(cfg.Output, "good_"+testTimestamp+".tar.gz")}, msg.Archives)
	assert.Equal(t, int64(2048), msg.ArchiveBytes)
	require.Len(t, msg.Failures, 1)
	assert.Contains(t, msg.Failures[0], bad)
	assert.Contains(t, msg.Failures[0], "dumping")
	assert.Equal(t, testTimestamp, msg.Timestamp)
}

func TestRun_TelegramFailureDoesNotFailRun(t *testing.T) {
	m := newMocks()
	cfg := testConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "123"}
	m.telegram.sendFunc = func(ctx context.Context, tcfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
		return &models.TelegramResult{Error: errors.New("bad gateway")}, nil
	}

	_, err := m.runner(testLogger()).Run(context.Background(), cfg,
		[]string{makeSite(t, t.TempDir(), "blog")}, testTimestamp)

	require.NoError(t, err)
	assert.Len(t, m.telegram.sent, 1)
}

// The tests below wire the real scanner, parser, dump and archive services
// with fake process executors.

type fakeDumpExecutor struct {
	fail map[string]bool
}

func (e *fakeDumpExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	database := args[len(args)-1]
	if e.fail[database] {
		return errors.New("exit status 2")
	}
	return os.WriteFile(outputPath, []byte("-- dump of "+database), 0o600)
}

type fakeTarExecutor struct {
	calls [][]string
}

func (e *fakeTarExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	e.calls = append(e.calls, append([]string{name}, args...))
	return nil, os.WriteFile(args[1], []byte("archive"), 0o600)
}

func writeConfig(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	content := fmt.Sprintf(`<?php
define('DB_NAME', '%[1]s');
define('DB_USER', '%[1]s_u');
define('DB_PASSWORD', 's3cr3t');
define('DB_HOST', 'localhost');
`, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wp-config.php"), []byte(content), 0o600))
}

func wiredRunner(logger zerolog.Logger, dumpExec *fakeDumpExecutor, tarExec *fakeTarExecutor) *Impl {
	return NewWithServices(logger, Services{
		Scanner: scanner.New(logger),
		Parser:  wpconfig.New(logger),
		Dump:    mysqldump.NewWithExecutor(logger, models.DumpSettings{}, dumpExec),
		Archive: archive.NewWithExecutor(logger, models.ArchiveSettings{}, tarExec),
	})
}

// loggedCommands returns the "command" field of every JSON log line.
func loggedCommands(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var commands []string
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		if cmd, ok := entry["command"].(string); ok {
			commands = append(commands, cmd)
		}
	}
	require.NoError(t, sc.Err())
	return commands
}

func TestRun_Wired_SingleSite(t *testing.T) {
	root := t.TempDir()
	sites := filepath.Join(root, "sites")
	blog := filepath.Join(sites, "blog")
	writeConfig(t, blog, "blog")
	output := filepath.Join(root, "backups")

	var buf bytes.Buffer
	tarExec := &fakeTarExecutor{}
	r := wiredRunner(zerolog.New(&buf), &fakeDumpExecutor{}, tarExec)

	summary, err := r.Run(context.Background(), models.PackagerConfig{Output: output}, []string{blog}, testTimestamp)

	require.NoError(t, err)
	dumpPath := filepath.Join(output, "blog_"+testTimestamp+".dump.sql")
	archivePath := filepath.Join(output, "blog_"+testTimestamp+".tar.gz")

	require.Len(t, tarExec.calls, 1)
	assert.Equal(t, []string{
		"tar", "czf", archivePath,
		"-C", sites, "blog",
		"-C", output, "blog_" + testTimestamp + ".dump.sql",
	}, tarExec.calls[0])

	assert.FileExists(t, archivePath)
	assert.NoFileExists(t, dumpPath)
	assert.Equal(t, models.StateDone, summary.Directories[0].State)

	assert.Equal(t, []string{
		"MYSQL_PWD=*** mysqldump --user=blog_u --host=localhost --no-tablespaces -- blog > " + dumpPath,
		"tar czf " + archivePath + " -C " + sites + " blog -C " + output + " blog_" + testTimestamp + ".dump.sql",
		"rm " + dumpPath,
	}, loggedCommands(t, &buf))
	assert.NotContains(t, buf.String(), "s3cr3t")
}

func TestRun_Wired_DumpFailureKeepsOtherSites(t *testing.T) {
	root := t.TempDir()
	network := filepath.Join(root, "network")
	writeConfig(t, filepath.Join(network, "a"), "alpha")
	writeConfig(t, filepath.Join(network, "b"), "beta")
	shop := filepath.Join(root, "shop")
	writeConfig(t, shop, "shop")
	output := filepath.Join(root, "backups")

	tarExec := &fakeTarExecutor{}
	r := wiredRunner(testLogger(), &fakeDumpExecutor{fail: map[string]bool{"beta": true}}, tarExec)

	summary, err := r.Run(context.Background(), models.PackagerConfig{Output: output}, []string{network, shop}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, mysqldump.ErrDumpFailed)
	assert.Equal(t, models.StateFailed, summary.Directories[0].State)
	assert.Equal(t, models.StateDone, summary.Directories[1].State)
	assert.NoFileExists(t, filepath.Join(output, "alpha_"+testTimestamp+".dump.sql"))
	assert.NoFileExists(t, filepath.Join(output, "beta_"+testTimestamp+".dump.sql"))
	assert.FileExists(t, filepath.Join(output, "shop_"+testTimestamp+".tar.gz"))
	assert.Len(t, tarExec.calls, 1)
}

func TestRun_Wired_SameTimestampRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	blog := filepath.Join(root, "blog")
	writeConfig(t, blog, "blog")
	cfg := models.PackagerConfig{Output: filepath.Join(root, "backups")}

	r := wiredRunner(testLogger(), &fakeDumpExecutor{}, &fakeTarExecutor{})
	_, err := r.Run(context.Background(), cfg, []string{blog}, testTimestamp)
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), cfg, []string{blog}, testTimestamp)

	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrArchiveExists)
	assert.Equal(t, models.StateArchiving, summary.Directories[0].FailedStep)
	assert.NoFileExists(t, filepath.Join(cfg.Output, "blog_"+testTimestamp+".dump.sql"))
}

func TestRun_Wired_DryRunLogsSameCommands(t *testing.T) {
	root := t.TempDir()
	blog := filepath.Join(root, "blog")
	writeConfig(t, blog, "blog")
	output := filepath.Join(root, "backups")

	var dryBuf bytes.Buffer
	dryTar := &fakeTarExecutor{}
	dryDump := &fakeDumpExecutor{}
	_, err := wiredRunner(zerolog.New(&dryBuf), dryDump, dryTar).
		Run(context.Background(), models.PackagerConfig{Output: output, DryRun: true}, []string{blog}, testTimestamp)
	require.NoError(t, err)

	assert.Empty(t, dryTar.calls)
	assert.NoDirExists(t, output)

	var liveBuf bytes.Buffer
	_, err = wiredRunner(zerolog.New(&liveBuf), &fakeDumpExecutor{}, &fakeTarExecutor{}).
		Run(context.Background(), models.PackagerConfig{Output: output}, []string{blog}, testTimestamp)
	require.NoError(t, err)

	dry := loggedCommands(t, &dryBuf)
	assert.Len(t, dry, 3)
	assert.Equal(t, loggedCommands(t, &liveBuf), dry)
}
