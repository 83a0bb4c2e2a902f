// Package wol wakes the backup host with a Wake-on-LAN packet.
package wol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig, probeAddr string) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// Dialer probes the target; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	dialer    Dialer
	logger    zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		dialer:    &net.Dialer{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, dialer Dialer) *Impl {
	return &Impl{
		wolClient: wolClient,
		dialer:    dialer,
		logger:    logger,
	}
}

// Wake sends a WOL packet and, when probeAddr is set, waits until a TCP
// connection to it succeeds.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig, probeAddr string) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(cfg.BroadcastIP, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	result.PacketSent = true

	if probeAddr == "" {
		result.WaitDuration = time.Since(start)
		result.TargetReady = true
		return result, nil
	}

	s.logger.Info().
		Str("address", probeAddr).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for backup host to become available")

	if err := s.waitForTarget(ctx, cfg, probeAddr); err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Str("wait", cfg.StabilizeWait.Round(time.Millisecond).String()).Msg("waiting for backup host to stabilize")
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			result.Error = ctx.Err()
			return result, nil
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	s.logger.Info().
		Dur("duration", result.WaitDuration).
		Msg("backup host is ready")

	return result, nil
}

func (s *Impl) waitForTarget(ctx context.Context, cfg models.WOLConfig, probeAddr string) error {
	deadline := time.Now().Add(cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for backup host at %s", probeAddr)
		}

		conn, err := s.dialer.DialContext(ctx, "tcp", probeAddr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		s.logger.Debug().Err(err).Msg("backup host not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}
