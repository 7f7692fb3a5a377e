// Package allowlist resolves the configured command allow-list at startup
// and answers call-time lookups. The resolved set is the only callable
// binary set for the life of the process.
package allowlist

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	verrors "github.com/valetd/valet/internal/errors"
)

// List holds the canonicalized allow-list. Immutable after New.
type List struct {
	// byPath maps canonical absolute path -> itself.
	byPath map[string]string
	// byName maps base name -> canonical absolute path.
	byName map[string]string
}

// New canonicalizes every configured entry. Absolute entries are
// stat-verified and symlink-resolved; bare names are resolved against PATH.
// Any entry that fails to resolve aborts startup.
func New(entries []string) (*List, error) {
	l := &List{
		byPath: make(map[string]string, len(entries)),
		byName: make(map[string]string, len(entries)),
	}
	for _, entry := range entries {
		resolved, err := resolveEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("allowed_cmds entry %q: %w", entry, err)
		}
		l.byPath[resolved] = resolved
		l.byName[filepath.Base(resolved)] = resolved
	}
	return l, nil
}

func resolveEntry(entry string) (string, error) {
	if entry == "" {
		return "", fmt.Errorf("empty entry")
	}

	path := entry
	if !strings.Contains(entry, string(filepath.Separator)) {
		found, err := exec.LookPath(entry)
		if err != nil {
			return "", fmt.Errorf("not found on PATH: %w", err)
		}
		path = found
	} else if !filepath.IsAbs(entry) {
		return "", fmt.Errorf("must be an absolute path or a bare name")
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("is a directory")
	}
	return resolved, nil
}

// Lookup matches a caller-supplied cmd against the resolved set, by exact
// absolute path or exact base name, and returns the absolute program path.
// A miss fails ExecDenied; the caller's string never reaches the OS.
func (l *List) Lookup(cmd string) (string, error) {
	const op = "allowlist_lookup"

	if cmd == "" {
		return "", verrors.Ef(verrors.KindInvalidParams, op, "cmd must not be empty")
	}

	if filepath.IsAbs(cmd) {
		// Resolve the supplied path so a symlink alias of an allowed binary
		// still matches by its canonical identity.
		resolved, err := filepath.EvalSymlinks(cmd)
		if err != nil {
			return "", verrors.Ef(verrors.KindExecDenied, op, "command not allow-listed")
		}
		if path, ok := l.byPath[resolved]; ok {
			return path, nil
		}
		return "", verrors.Ef(verrors.KindExecDenied, op, "command not allow-listed")
	}

	if path, ok := l.byName[cmd]; ok {
		return path, nil
	}
	return "", verrors.Ef(verrors.KindExecDenied, op, "command not allow-listed")
}

// Names returns the sorted base names of every allowed command, for
// descriptor output and the readiness line.
func (l *List) Names() []string {
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
