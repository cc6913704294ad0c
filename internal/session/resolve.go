package session

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Jamshidjalolov/chatsync/internal/config"
)

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// EnvSession overrides the configured default session.
const EnvSession = "CHATSYNC_SESSION"

// Resolve picks the session name: the --session flag, then $CHATSYNC_SESSION,
// then default_session from config.toml, then "main". Names from the
// environment and the config file are trimmed and lower-cased.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := normalize(os.Getenv(EnvSession)); name != "" {
		return name
	}
	cfg, err := config.LoadOrDefault(ConfigPath())
	if err == nil {
		if name := normalize(cfg.DefaultSession); name != "" {
			return name
		}
	}
	return DefaultSessionName
}

// Known lists the sessions that have a directory under BaseDir, sorted.
func Known() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
