package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a run notification.
type TelegramMessage struct {
	Success   bool
	Host      string
	Output    string
	Timestamp string
	StartTime time.Time
	Duration  time.Duration

	Processed    int
	Skipped      int
	Archives     []string
	ArchiveBytes int64

	// Failures holds one "dir (step): error" line per failed directory.
	Failures []string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
