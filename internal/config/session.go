package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Session is the state file of one mapped device. It is written once the
// device is attached and removed at teardown; status reads it to list
// active sessions.
type Session struct {
	ID            string    `toml:"id"`
	Device        string    `toml:"device"`
	Endpoint      string    `toml:"endpoint"`
	URI           string    `toml:"uri"`
	ServerPid     int       `toml:"server_pid"`
	ServerName    string    `toml:"server_name"`
	OwnerPid      int       `toml:"owner_pid"`
	RoutingTable  string    `toml:"routing_table"`
	RoutingDigest string    `toml:"routing_digest"`
	Files         []string  `toml:"files"`
	ReadOnly      bool      `toml:"read_only"`
	Started       time.Time `toml:"started"`
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string { return uuid.NewString() }

// sessionLocation returns the directory session files live in and the
// prefix each file name carries there.
func sessionLocation() (dir, prefix string) {
	if rd := os.Getenv("XDG_RUNTIME_DIR"); rd != "" {
		return filepath.Join(rd, "chainmap"), ""
	}
	return os.TempDir(), "chainmap-"
}

// SessionPath returns the state file path for device.
func SessionPath(device string) string {
	dir, prefix := sessionLocation()
	return filepath.Join(dir, prefix+filepath.Base(device)+".toml")
}

// WriteSession stores s under its device, replacing any previous file
// atomically. It returns the path written.
func WriteSession(s Session) (string, error) {
	if s.Device == "" {
		return "", errors.New("session has no device")
	}
	path := SessionPath(s.Device)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write session: %w", err)
	}
	return path, nil
}

// ReadSession reads the state file at path.
func ReadSession(path string) (Session, error) {
	var s Session
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// RemoveSession deletes the state file of device. A missing file is not an
// error.
func RemoveSession(device string) error {
	err := os.Remove(SessionPath(device))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListSessions returns every readable session, ordered by device. Files
// that fail to decode are skipped and reported in the joined error.
func ListSessions() ([]Session, error) {
	dir, prefix := sessionLocation()
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"*.toml"))
	if err != nil {
		return nil, err
	}

	var sessions []Session
	var errs []error
	for _, p := range paths {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		s, err := ReadSession(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Device < sessions[j].Device })
	return sessions, errors.Join(errs...)
}
