// Package security implements the path safety core: proving that a
// caller-supplied path, after canonicalization, lies inside the configured
// root directory. Tool handlers perform no path checks of their own; they
// trust the resolver's output.
package security

import (
	"os"
	"path/filepath"
	"strings"

	verrors "github.com/valetd/valet/internal/errors"
)

// Resolver canonicalizes caller paths against a fixed root. The root must
// already be absolute and symlink-free (config canonicalizes it at load).
type Resolver struct {
	root string
}

// NewResolver returns a resolver confined to root.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the confinement directory.
func (r *Resolver) Root() string {
	return r.root
}

// ResolveRead canonicalizes input for reading. The full path must exist;
// every component is resolved through symlinks before the containment check.
func (r *Resolver) ResolveRead(input string) (string, error) {
	const op = "resolve_read"

	joined, err := r.lexical(op, input)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", verrors.E(verrors.KindNotFound, op, err)
		}
		return "", verrors.E(verrors.KindIo, op, err)
	}

	if !within(r.root, resolved) {
		return "", verrors.Ef(verrors.KindPathOutsideRoot, op, "resolved path escapes root")
	}
	return resolved, nil
}

// ResolveWrite canonicalizes input for writing. The parent directory must
// exist and resolve inside root; the final component need not exist, but if
// it does exist it is resolved too so a symlink cannot smuggle the write out.
func (r *Resolver) ResolveWrite(input string) (string, error) {
	const op = "resolve_write"

	joined, err := r.lexical(op, input)
	if err != nil {
		return "", err
	}

	// An existing target is resolved in full, exactly like a read.
	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		if !within(r.root, resolved) {
			return "", verrors.Ef(verrors.KindPathOutsideRoot, op, "resolved path escapes root")
		}
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", verrors.E(verrors.KindIo, op, err)
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(joined))
	if err != nil {
		if os.IsNotExist(err) {
			return "", verrors.Ef(verrors.KindNotFound, op, "parent directory does not exist")
		}
		return "", verrors.E(verrors.KindIo, op, err)
	}
	if !within(r.root, parent) {
		return "", verrors.Ef(verrors.KindPathOutsideRoot, op, "parent directory escapes root")
	}
	return filepath.Join(parent, filepath.Base(joined)), nil
}

// lexical joins relative input to root, collapses "." and ".." segments, and
// rejects anything that ascends above root before any I/O happens.
func (r *Resolver) lexical(op, input string) (string, error) {
	if input == "" {
		return "", verrors.Ef(verrors.KindInvalidParams, op, "path must not be empty")
	}

	joined := input
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(r.root, joined)
	}
	joined = filepath.Clean(joined)

	if !within(r.root, joined) {
		return "", verrors.Ef(verrors.KindPathOutsideRoot, op, "path escapes root")
	}
	return joined, nil
}

// within reports whether path equals root or sits under it with a
// separator-aligned boundary, so /root does not accept /rootdir/x.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
