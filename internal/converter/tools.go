package converter

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"

	"doc2long/internal/models"
)

// runTool executes an external program to completion. It takes no context:
// an external call that has started is never killed by the scheduler.
func runTool(step models.Step, tool string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return nil, NewError(KindExternalToolMissing, step, "%s not found: %w", tool, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), NewError(KindExternalToolFailed, step, "%s exited with %d: %s", tool, exitErr.ExitCode(), msg)
		}
		return stdout.Bytes(), NewError(KindExternalToolFailed, step, "%s: %w", tool, err)
	}

	return stdout.Bytes(), nil
}
