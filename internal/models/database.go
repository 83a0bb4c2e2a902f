package models

import "time"

// DatabaseCredentials holds the connection parameters read from one wp-config.php.
type DatabaseCredentials struct {
	Name     string
	User     string
	Host     string
	Password string
}

// DumpResult holds the result of a database dump.
type DumpResult struct {
	Database   string
	OutputPath string
	Command    string // rendered command line, password redacted
	SizeBytes  int64
	Duration   time.Duration
	DryRun     bool
}
