// Package wpconfig extracts database credentials from wp-config.php files.
package wpconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/rs/zerolog"
)

// Recognised keys, lower-cased as they are recorded.
const (
	KeyName     = "db_name"
	KeyUser     = "db_user"
	KeyHost     = "db_host"
	KeyPassword = "db_password"
)

var requiredKeys = []string{KeyName, KeyUser, KeyHost, KeyPassword}

var definePattern = regexp.MustCompile(`define\(\s?'(DB_USER|DB_HOST|DB_NAME|DB_PASSWORD)', '(.*)'\s?\);`)

// ErrMissingField is matched by every MissingFieldError.
var ErrMissingField = errors.New("missing field")

// MissingFieldError reports the credential keys absent from a config file.
type MissingFieldError struct {
	Path   string
	Fields []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing %s", e.Path, strings.Join(e.Fields, ", "))
}

// Is reports whether target is ErrMissingField.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// Parser defines the interface for reading credentials from a config file.
type Parser interface {
	Parse(path string) (*models.DatabaseCredentials, error)
}

// Impl implements the Parser interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new config parser.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Parse reads the file at path and builds its credential record.
func (p *Impl) Parse(path string) (*models.DatabaseCredentials, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the scanner
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := ParseReader(f, path)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("config", path).
		Str("database", creds.Name).
		Str("user", creds.User).
		Str("host", creds.Host).
		Msg("credentials parsed")

	return creds, nil
}

// ParseReader scans r line by line for the four DB_* defines. A later define
// overwrites an earlier one. name is only used in errors.
func ParseReader(r io.Reader, name string) (*models.DatabaseCredentials, error) {
	props := make(map[string]string, len(requiredKeys))

	// No line length limit: minified or generated configs may carry huge lines.
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			match := definePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
			if match != nil {
				props[strings.ToLower(match[1])] = match[2]
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", name, err)
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := props[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingFieldError{Path: name, Fields: missing}
	}

	return &models.DatabaseCredentials{
		Name:     props[KeyName],
		User:     props[KeyUser],
		Host:     props[KeyHost],
		Password: props[KeyPassword],
	}, nil
}
