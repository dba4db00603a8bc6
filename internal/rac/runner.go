package rac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCodepage = "IBM866"

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process group was killed.
	waitDelay = 2 * time.Second
)

var (
	ErrBinaryNotFound  = errors.New("administration tool binary not found")
	ErrCommandTimedOut = errors.New("administration tool command timed out")
)

// Result is the outcome of a finished tool invocation. A non-zero exit code
// is not an error: callers treat it as nothing to parse.
type Result struct {
	Output   string
	ExitCode int
}

func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Runner spawns the administration tool. The host address is always passed
// as the final positional argument.
type Runner interface {
	Run(ctx context.Context, executable, host string, args []string, timeout time.Duration) (Result, error)
}

type ExecRunner struct {
	encoding encoding.Encoding
}

// NewExecRunner creates a runner decoding tool output from the named IANA
// codepage. An empty name selects IBM866.
func NewExecRunner(codepage string) (*ExecRunner, error) {
	if codepage == "" {
		return &ExecRunner{encoding: charmap.CodePage866}, nil
	}

	enc, err := ianaindex.IANA.Encoding(codepage)
	if err != nil {
		return nil, fmt.Errorf("unknown codepage %q: %w", codepage, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("codepage %q is not supported", codepage)
	}

	return &ExecRunner{encoding: enc}, nil
}

func (r *ExecRunner) Run(ctx context.Context, executable, host string, args []string, timeout time.Duration) (Result, error) {
	if _, err := os.Stat(executable); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s", ErrBinaryNotFound, executable)
		}
		return Result{}, fmt.Errorf("failed to stat %s: %w", executable, err)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := make([]string, 0, len(args)+1)
	argv = append(argv, args...)
	if host != "" {
		argv = append(argv, host)
	}

	cmd := exec.CommandContext(runCtx, executable, argv...)
	configureProcess(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		slog.Debug("Administration tool killed after timeout",
			"executable", executable,
			"args", redactArgs(args),
			"timeout", timeout)
		return Result{}, fmt.Errorf("%w after %s", ErrCommandTimedOut, timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("failed to run %s: %w", executable, err)
		}
		slog.Debug("Administration tool exited with non-zero code",
			"executable", executable,
			"args", redactArgs(args),
			"exit_code", exitErr.ExitCode(),
			"stderr", r.decode(stderr.Bytes()))
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}

	return Result{Output: r.decode(stdout.Bytes())}, nil
}

func (r *ExecRunner) decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	decoded, err := r.encoding.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
