package models

import "time"

// RemoteConfig holds the settings for copying archives to a backup host over SSH.
type RemoteConfig struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // inline key, takes precedence over KeyPath
	KeyPath    string
	KnownHosts string     // known_hosts file, empty accepts any host key
	Path       string     // remote directory receiving the archives
	WOL        *WOLConfig // nil if the host is always on
}

// UploadResult holds the result of an upload.
type UploadResult struct {
	RemotePath string
	BytesSent  int64
	Duration   time.Duration
	Error      error
}

// SSHResult holds the result of an SSH command.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
