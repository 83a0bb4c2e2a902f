package models

import "time"

// ArchiveMember is one entry added to an archive: Name is added while the
// archiver's working directory is Dir.
type ArchiveMember struct {
	Dir  string
	Name string
}

// ArchiveResult holds the result of building an archive.
type ArchiveResult struct {
	OutputPath string
	Members    []ArchiveMember
	Command    string
	SizeBytes  int64
	Duration   time.Duration
	DryRun     bool
}
