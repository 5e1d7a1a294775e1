// Package fsatomic is the single write path for the agent's persistent
// JSON documents.
//
// Write discipline: write to <path>.tmp, fsync, rename over <path>.
// A crash mid-write leaves either the old file or the new one — never a
// torn document. Readers open and parse the whole file.
//
// Symlink policy: WriteFile refuses to follow a symlinked destination and
// CheckRegular lets loaders reject symlinked state files before reading.

package fsatomic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data at the given mode.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	if err := refuseSymlink(path); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("fsatomic.WriteFile: open %q: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsatomic.WriteFile: write %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsatomic.WriteFile: fsync %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsatomic.WriteFile: close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsatomic.WriteFile: rename %q: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsatomic.WriteJSON: marshal for %q: %w", path, err)
	}
	return WriteFile(path, append(data, '\n'), mode)
}

// ReadJSON reads path into v. A missing file returns os.ErrNotExist
// unwrapped so callers can treat first-run as empty state.
func ReadJSON(path string, v any) error {
	if err := CheckRegular(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fsatomic.ReadJSON: parse %q: %w", path, err)
	}
	return nil
}

// CheckRegular returns an error if path exists and is not a regular file.
// Symlinked state files are rejected outright.
func CheckRegular(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("fsatomic: %q is a symlink, refusing", path)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("fsatomic: %q is not a regular file", path)
	}
	return nil
}

func refuseSymlink(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("fsatomic: %q is a symlink, refusing", path)
	}
	return nil
}

// Dir ensures the parent directory of path exists.
func Dir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
