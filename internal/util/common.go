package util

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 10 * time.Second
	ShortTimeout          = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateUserID validates and normalizes a user id.
// Returns the trimmed id and an error if invalid.
func ValidateUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("user id is empty")
	}
	if len(id) > 128 {
		return "", errors.New("user id is longer than 128 characters")
	}
	if strings.ContainsAny(id, "/\\ \t\n") || strings.Contains(id, "..") {
		return "", errors.New("user id must not contain whitespace, slashes or '..'")
	}
	return id, nil
}

// ShortID trims long ids (libp2p peer ids, uuids) for log lines.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + ".." + id[len(id)-4:]
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// OpenURL opens a URL in the system's default browser
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return errors.New("unsupported platform")
	}
	return cmd.Start()
}
