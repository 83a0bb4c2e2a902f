// Package ssh copies archives to a backup host over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/shell"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrUploadFailed is returned when an archive could not be copied to the remote host.
var ErrUploadFailed = errors.New("upload failed")

// Service defines the interface for SSH operations.
type Service interface {
	Upload(ctx context.Context, cfg models.RemoteConfig, localPath string, dryRun bool) (*models.UploadResult, error)
	TestConnection(ctx context.Context, cfg models.RemoteConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	RunWithInput(cmd string, stdin io.Reader) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) RunWithInput(cmd string, stdin io.Reader) ([]byte, error) {
	s.session.Stdin = stdin
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

// Address returns the host:port the service connects to.
func Address(cfg models.RemoteConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// RemotePath returns where localPath is stored on the remote host.
func RemotePath(cfg models.RemoteConfig, localPath string) string {
	return path.Join(cfg.Path, filepath.Base(localPath))
}

// UploadCommand returns the remote shell command receiving the archive on stdin.
func UploadCommand(cfg models.RemoteConfig, localPath string) string {
	return fmt.Sprintf("mkdir -p %s && cat > %s", shell.Join(cfg.Path), shell.Join(RemotePath(cfg, localPath)))
}

func (s *Impl) buildConfig(cfg models.RemoteConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	// Load private key from file or use provided key
	if len(cfg.PrivateKey) > 0 {
		key = cfg.PrivateKey
	} else if cfg.KeyPath != "" {
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", cfg.KnownHosts, err)
		}
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// connect dials the remote host, giving up when ctx is done.
func (s *Impl) connect(ctx context.Context, cfg models.RemoteConfig) (SSHClient, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", Address(cfg), sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		// A dial that completes after cancellation must not leak its connection.
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect: %w", res.err)
		}
		return res.client, nil
	}
}

// Upload streams localPath to the remote directory.
func (s *Impl) Upload(ctx context.Context, cfg models.RemoteConfig, localPath string, dryRun bool) (*models.UploadResult, error) {
	result := &models.UploadResult{
		RemotePath: RemotePath(cfg, localPath),
	}
	cmd := UploadCommand(cfg, localPath)

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Str("local", localPath).
		Str("command", cmd).
		Bool("dry_run", dryRun).
		Msg("uploading archive")

	if dryRun {
		return result, nil
	}

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	file, err := os.Open(localPath) //nolint:gosec // archive path built by the runner
	if err != nil {
		result.Error = fmt.Errorf("%w: %w", ErrUploadFailed, err)
		return result, nil
	}
	defer func() { _ = file.Close() }()

	if info, statErr := file.Stat(); statErr == nil {
		result.BytesSent = info.Size()
	}

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = fmt.Errorf("%w: %w", ErrUploadFailed, err)
		return result, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("%w: failed to create session: %w", ErrUploadFailed, err)
		return result, nil
	}
	defer session.Close()

	output, err := session.RunWithInput(cmd, file)
	if err != nil {
		result.BytesSent = 0
		result.Error = fmt.Errorf("%w: %w, output: %s", ErrUploadFailed, err, string(output))
		return result, nil
	}

	s.logger.Info().
		Str("remote", result.RemotePath).
		Int64("bytes", result.BytesSent).
		Dur("duration", time.Since(start)).
		Msg("archive uploaded")

	return result, nil
}

// TestConnection verifies SSH connectivity and that the remote directory can be created.
func (s *Impl) TestConnection(ctx context.Context, cfg models.RemoteConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("testing SSH connection")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer session.Close()

	output, err := session.CombinedOutput(fmt.Sprintf("mkdir -p %s && echo OK", shell.Join(cfg.Path)))
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		result.Error = fmt.Errorf("test command failed: %w", err)
	}

	return result, nil
}
