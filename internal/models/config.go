// Package models contains the data structures used throughout wp-packager.
package models

import "time"

// PackagerConfig holds the complete configuration for a packaging run.
type PackagerConfig struct {
	Output   string
	DryRun   bool
	Timeout  time.Duration // per external command, 0 disables
	Dump     DumpSettings
	Archive  ArchiveSettings
	Remote   *RemoteConfig   // nil if not configured
	Telegram *TelegramConfig // nil if not configured
}

// DumpSettings controls how the database dump utility is invoked.
type DumpSettings struct {
	Binary    string
	ExtraArgs []string
}

// ArchiveSettings controls how the archiver is invoked.
type ArchiveSettings struct {
	Binary string
}

// RunOptions carries the values shared by every step of one invocation.
type RunOptions struct {
	OutputDir string
	Timestamp string
	DryRun    bool
	Timeout   time.Duration
}
