package watcher

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/codehornets/agentrt/internal/protocol"
)

// execute invokes the configured CLI for task, capturing stdout and
// stderr separately and enforcing timeout, and classifies the result
// into an Outcome. Grounded on the teacher's executor.go Start()/Wait()
// pattern (generalized from FFmpeg to a plain external command) and
// original_source's asyncio.wait_for timeout, which kills the process
// and reports exit code 124.
func (w *Watcher) execute(ctx context.Context, task *protocol.TaskEnvelope) Outcome {
	timeout := w.cfg.TaskTimeout
	if task.Timeout > 0 {
		timeout = time.Duration(task.Timeout) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{}
	if promptFile := w.cfg.SystemPromptFile; promptFile != "" {
		args = append(args, "--system-prompt-file", promptFile)
	}
	args = append(args, "-p", task.Description)

	cmd := exec.CommandContext(runCtx, w.cfg.ClaudeCommand, args...)
	// Once the command is killed, stop waiting on output pipes that a
	// surviving child process may still hold open.
	cmd.WaitDelay = 100 * time.Millisecond

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: OutcomePipelineException, Err: err}
	}

	waitErr := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		return Outcome{
			Kind:     OutcomeFailure,
			ExitCode: 124,
			Stdout:   outBuf.String(),
			Stderr:   "task timed out after " + timeout.String(),
		}
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return Outcome{
				Kind:     OutcomeFailure,
				ExitCode: exitErr.ExitCode(),
				Stdout:   outBuf.String(),
				Stderr:   errBuf.String(),
			}
		}
		return Outcome{Kind: OutcomePipelineException, Err: waitErr}
	}
	return Outcome{Kind: OutcomeSuccess, ExitCode: 0, Stdout: outBuf.String(), Stderr: errBuf.String()}
}
