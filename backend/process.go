package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yllada/vpn-orchestrator/common"
)

// command builds an engine invocation, prefixed with elevate when set.
func command(ctx context.Context, elevate, name string, args ...string) *exec.Cmd {
	if elevate != "" {
		return exec.CommandContext(ctx, elevate, append([]string{name}, args...)...)
	}
	return exec.CommandContext(ctx, name, args...)
}

// runCommand runs an engine helper and returns its combined output.
func runCommand(ctx context.Context, elevate, name string, args ...string) ([]byte, error) {
	out, err := command(ctx, elevate, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// runtimeDir returns dir, or a private directory under the temp dir.
func runtimeDir(dir string) (string, error) {
	if dir == "" {
		return common.GetRuntimeDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// writeRuntimeFile writes a tunnel config readable only by the owner. It
// holds key material.
func writeRuntimeFile(dir, name, content string) (string, error) {
	dir, err := runtimeDir(dir)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", err
	}
	return path, nil
}
