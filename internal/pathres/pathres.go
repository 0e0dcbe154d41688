// Package pathres locates the backend working directory relative to the
// installed location of the running binary.
//
// The installation root is derived from the executable's own path, never
// from the current working directory, so the result is stable no matter where
// the shell was launched from.
package pathres

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PathResolutionError reports that the executable's location, and therefore
// the backend directory, could not be determined.
type PathResolutionError struct {
	Op  string
	Err error
}

func (e *PathResolutionError) Error() string {
	if e.Err == nil {
		return "resolve backend root: " + e.Op
	}
	return fmt.Sprintf("resolve backend root: %s: %v", e.Op, e.Err)
}

func (e *PathResolutionError) Unwrap() error {
	return e.Err
}

var (
	rootOnce sync.Once
	root     string
	rootErr  error

	executable = os.Executable
)

// InstallationRoot returns the absolute directory containing the running
// executable. The value is computed once per process.
func InstallationRoot() (string, error) {
	rootOnce.Do(func() {
		root, rootErr = installationRoot(executable)
	})
	return root, rootErr
}

func installationRoot(exe func() (string, error)) (string, error) {
	path, err := exe()
	if err != nil {
		return "", &PathResolutionError{Op: "locate executable", Err: err}
	}
	if path == "" {
		return "", &PathResolutionError{Op: "locate executable", Err: errors.New("empty executable path")}
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", &PathResolutionError{Op: "inspect executable", Err: err}
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", &PathResolutionError{Op: "absolute executable path", Err: err}
	}
	dir := filepath.Dir(abs)
	if dir == "" || dir == "." {
		return "", &PathResolutionError{Op: "containing directory", Err: fmt.Errorf("no parent for %q", abs)}
	}
	return dir, nil
}

// BackendDir applies the relative offset to an installation root. It performs
// no filesystem access.
func BackendDir(root, offset string) (string, error) {
	if root == "" {
		return "", &PathResolutionError{Op: "apply offset", Err: errors.New("empty installation root")}
	}
	if filepath.IsAbs(filepath.FromSlash(offset)) {
		return "", &PathResolutionError{Op: "apply offset", Err: fmt.Errorf("offset %q must be relative", offset)}
	}
	return filepath.Clean(filepath.Join(root, filepath.FromSlash(offset))), nil
}

// ResolveBackendRoot returns the backend working directory for the running
// executable.
func ResolveBackendRoot(offset string) (string, error) {
	root, err := InstallationRoot()
	if err != nil {
		return "", err
	}
	return BackendDir(root, offset)
}
