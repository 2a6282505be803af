package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// runCapture executes an external tool and returns its stdout and stderr.
func runCapture(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// runStreaming executes an external tool, invoking onLine for every
// non-empty stdout line as it arrives. Stderr is captured and returned so
// failures can surface the tool's diagnostics.
func runStreaming(ctx context.Context, dir string, env []string, onLine func(string), name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && onLine != nil {
			onLine(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		return stderr.String(), err
	}
	return stderr.String(), scanner.Err()
}
