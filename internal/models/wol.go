package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for the backup host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	Timeout       time.Duration // max time to wait for the host
	PollInterval  time.Duration // how often to probe the host
	StabilizeWait time.Duration // wait after the host answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
