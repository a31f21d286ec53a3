// Package fileutil holds small filesystem helpers shared across the
// orchestrator: directory creation, atomic JSON/text writes, and the
// on-disk layout under a repository's state directory.
package fileutil

import (
	"encoding/json"
	"os"

	"github.com/google/renameio/v2"
)

// EnsureDir creates a directory and all parent directories with 0755
// permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// AtomicWriteFile writes data to path via a temp-file-then-rename so
// concurrent readers never observe a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}

// WriteJSON marshals v and writes it atomically to path.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, append(data, '\n'), 0644)
}

// ReadJSON reads and unmarshals the JSON file at path into v. Returns
// (false, nil) if the file does not exist.
func ReadJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
