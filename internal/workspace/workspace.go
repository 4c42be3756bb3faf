// Package workspace lays out the directory tree the filesystem daemon
// serves.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known directories under the filesystem root.
const (
	// AgentsDir holds agent sources that specs reference by path.
	AgentsDir = "agents"
	// SnapshotsDir holds saved snapshot archives.
	SnapshotsDir = "snapshots"
)

// RequiredDirectories lists the directories every filesystem root has.
func RequiredDirectories() []string {
	return []string{AgentsDir, SnapshotsDir}
}

// Initialize creates root and its required directories. It is
// idempotent.
func Initialize(root string) error {
	if root == "" {
		return fmt.Errorf("workspace root is required")
	}
	for _, dir := range append([]string{""}, RequiredDirectories()...) {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether root has every required directory.
func IsInitialized(root string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(root, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
