package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinary compiles the roam binary into outputDir and returns its
// absolute path.
func BuildBinary(ctx context.Context, projectRoot, outputDir string) (string, error) {
	if projectRoot == "" {
		return "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	roamPath, err := filepath.Abs(filepath.Join(outputDir, "roam"))
	if err != nil {
		return "", err
	}
	if err := runGoBuild(ctx, projectRoot, roamPath, "./cmd/roam"); err != nil {
		return "", err
	}
	return roamPath, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	env = setEnv(env, "GOFLAGS", "-trimpath")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
