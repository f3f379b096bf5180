// Package security confines host file access to configured roots.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clawnode/internal/domain"
)

// Sandbox enforces path constraints for file operations. A path is allowed
// when it resolves, symlinks included, to one of the roots or below it.
type Sandbox struct {
	roots []string // absolute, resolved
}

// NewSandbox creates a sandbox over roots. Missing roots are created with
// mode 0700.
func NewSandbox(roots ...string) (*Sandbox, error) {
	if len(roots) == 0 {
		return nil, domain.NewDomainError("NewSandbox", domain.ErrInvalidInput, "at least one root is required")
	}
	s := &Sandbox{}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox root: %w", err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return nil, fmt.Errorf("create sandbox root: %w", err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("stat sandbox root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
		}
		s.roots = append(s.roots, resolved)
	}
	return s, nil
}

// ValidatePath resolves requested and checks it lies within a root. Relative
// paths are taken relative to the first root. Paths that do not exist yet
// are resolved through their nearest existing ancestor.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrInvalidInput, "path is empty")
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.roots[0], requested)
	}
	resolved, err := resolveExisting(filepath.Clean(requested))
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	if !s.contains(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("%q is outside the allowed roots", resolved))
	}
	return resolved, nil
}

// Root returns the primary root.
func (s *Sandbox) Root() string { return s.roots[0] }

// Roots returns every root.
func (s *Sandbox) Roots() []string { return append([]string(nil), s.roots...) }

func (s *Sandbox) contains(path string) bool {
	for _, root := range s.roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the missing tail.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
