package fileutil

import "path/filepath"

// StateSubdir builds a path to a subdirectory within a repo's state_dir.
func StateSubdir(stateDir, subdir string) string {
	return filepath.Join(stateDir, subdir)
}

// CanonicalPath resolves path to an absolute, cleaned form suitable for
// comparison — used by the safety guard's protected-file check, which
// must treat "./main.py" and "main.py" (relative to the same cwd) as
// equal even when the file does not yet exist on disk.
func CanonicalPath(base, path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(filepath.Join(base, path))
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// SameFile reports whether two paths refer to the same file on disk via
// os.SameFile when both exist, falling back to canonical-path equality
// when one or both do not exist yet (e.g. a file the agent is about to
// create).
func SameFile(base, a, b string) (bool, error) {
	return sameFile(base, a, b)
}
