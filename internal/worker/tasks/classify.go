package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"

	"mediaq/internal/pkg/errors"
)

// transientMarkers are stderr fragments that point at resource contention
// or recoverable I/O rather than bad input.
var transientMarkers = []string{
	"resource temporarily unavailable",
	"device or resource busy",
	"cannot allocate memory",
	"out of memory",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many open files",
	"eagain",
	"enomem",
	"i/o timeout",
}

// toolError classifies a failed external command. A process killed by a
// signal while the job context is still live, or whose stderr names
// contention, is transient. Everything else is permanent.
func toolError(ctx context.Context, tool string, res CommandResult, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.WrapWithCode(context.Cause(ctx), errors.CodeCancelled, "tasks."+tool, tool+" interrupted")
	}

	msg := fmt.Sprintf("%s exited with code %d", tool, res.ExitCode)
	if line := lastLine(res.Stderr); line != "" {
		msg += ": " + line
	}

	if res.ExitCode == -1 && isExitError(err) {
		return errors.TaskTransient(err, "tasks."+tool, msg).WithField("exit_code", res.ExitCode)
	}
	lower := strings.ToLower(res.Stderr)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return errors.TaskTransient(err, "tasks."+tool, msg).WithField("exit_code", res.ExitCode)
		}
	}
	return errors.TaskPermanent(err, "tasks."+tool, msg).WithField("exit_code", res.ExitCode)
}

// storageError keeps NOT_FOUND as is, makes malformed keys permanent and
// treats every other backend failure as transient.
func storageError(err error, op, msg string) error {
	if err == nil {
		return nil
	}
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		return errors.Wrap(err, op, msg)
	case errors.CodeValidation, errors.CodeTaskPermanent:
		return errors.TaskPermanent(err, op, msg)
	default:
		return errors.TaskTransient(err, op, msg)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			if len(l) > 300 {
				l = l[:300]
			}
			return l
		}
	}
	return ""
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return stderrors.As(err, &exitErr)
}
