// Package shell renders external commands as copy-pasteable shell lines for logging.
package shell

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// Redacted replaces environment values in rendered commands.
const Redacted = "***"

// Command describes one external process invocation.
type Command struct {
	Env    []string // KEY=VALUE pairs added to the environment
	Name   string
	Args   []string
	Stdout string // file receiving stdout, empty for none
}

// String renders the command as a shell line. Environment values are never
// printed since they carry secrets.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Env)+2)
	for _, kv := range c.Env {
		key, _, _ := strings.Cut(kv, "=")
		parts = append(parts, key+"="+Redacted)
	}

	parts = append(parts, Join(append([]string{c.Name}, c.Args...)...))

	if c.Stdout != "" {
		parts = append(parts, ">", Join(c.Stdout))
	}

	return strings.Join(parts, " ")
}

// Join quotes each word so that a POSIX shell would split it back identically.
func Join(words ...string) string {
	return shellquote.Join(words...)
}

// Remove renders the removal of a file, used when logging cleanup.
func Remove(path string) string {
	return Command{Name: "rm", Args: []string{path}}.String()
}
