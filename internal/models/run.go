package models

import "time"

// DirectoryState is the processing state of one input directory.
type DirectoryState string

// Directory states. Skipped, NoConfigs, Done and Failed are terminal.
const (
	StateSkipped    DirectoryState = "skipped"
	StateScanning   DirectoryState = "scanning"
	StateNoConfigs  DirectoryState = "no_configs"
	StateDumping    DirectoryState = "dumping"
	StateArchiving  DirectoryState = "archiving"
	StateUploading  DirectoryState = "uploading"
	StateCleaningUp DirectoryState = "cleaning_up"
	StateDone       DirectoryState = "done"
	StateFailed     DirectoryState = "failed"
)

// DirectoryResult holds the outcome of processing one input directory.
type DirectoryResult struct {
	Path          string
	State         DirectoryState
	Configs       []string
	Dumps         []string
	Archive       string
	ArchiveSize   int64
	FailedStep    DirectoryState // state in which the failure happened
	Error         error
	CleanupErrors []error // non-fatal
}

// RunSummary holds the outcome of one invocation.
type RunSummary struct {
	Timestamp   string
	StartTime   time.Time
	Duration    time.Duration
	DryRun      bool
	Directories []DirectoryResult
}

// Archived returns the number of directories that produced an archive.
func (s *RunSummary) Archived() int {
	return s.count(StateDone)
}

// Failed returns the number of directories that failed.
func (s *RunSummary) Failed() int {
	return s.count(StateFailed)
}

// Skipped returns the number of inputs that were not directories or had no configs.
func (s *RunSummary) Skipped() int {
	return s.count(StateSkipped) + s.count(StateNoConfigs)
}

func (s *RunSummary) count(state DirectoryState) int {
	n := 0
	for _, d := range s.Directories {
		if d.State == state {
			n++
		}
	}
	return n
}
