package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix marks the variables that override the config file.
const EnvPrefix = "CALLKIT_"

// Env collects CALLKIT_* variables from the dotenv file at path (optional)
// and the process environment. The process environment wins.
func Env(path string) (map[string]string, error) {
	vars := make(map[string]string)
	if path != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			for k, v := range m {
				if strings.HasPrefix(k, EnvPrefix) {
					vars[k] = v
				}
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	return vars, nil
}

// ApplyEnv overrides fields from vars. Unknown keys are ignored.
func (c *Config) ApplyEnv(vars map[string]string) error {
	str := map[string]*string{
		"CALLKIT_ID":            &c.Identity.ID,
		"CALLKIT_NAME":          &c.Identity.DisplayName,
		"CALLKIT_AVATAR_URL":    &c.Identity.AvatarURL,
		"CALLKIT_TRANSPORT":     &c.Signaling.Transport,
		"CALLKIT_SIGNALING_URL": &c.Signaling.URL,
		"CALLKIT_TOKEN":         &c.Signaling.Token,
		"CALLKIT_RELAY_SECRET":  &c.Signaling.RelaySecret,
		"CALLKIT_RELAY_ADDR":    &c.Signaling.RelayAddr,
		"CALLKIT_HTTP_ADDR":     &c.Viewer.HTTPAddr,
		"CALLKIT_LOG_LEVEL":     &c.Log.Level,
		"CALLKIT_LOG_FORMAT":    &c.Log.Format,
		"CALLKIT_DATA_DIR":      &c.Storage.Dir,
	}
	num := map[string]*int{
		"CALLKIT_RING_TIMEOUT": &c.Call.RingTimeoutSec,
		"CALLKIT_DIAL_TIMEOUT": &c.Call.DialTimeoutSec,
		"CALLKIT_LISTEN_PORT":  &c.Signaling.ListenPort,
	}
	for k, v := range vars {
		if p, ok := str[k]; ok {
			*p = v
			continue
		}
		if p, ok := num[k]; ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = n
			continue
		}
		if k == "CALLKIT_PEERS" {
			c.Signaling.Peers = splitList(v)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
