// Package fsl runs the FSL command line tools used for brain extraction and
// voxel arithmetic, and reports their failures as errors.
package fsl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"b0masks/pkg/fname"
)

// DefaultBetFrac is the fractional intensity threshold passed to bet.
const DefaultBetFrac = 0.2

var ErrToolFailed = errors.New("external tool failed")

// waitDelay bounds how long Run waits for output after the context kills a tool
const waitDelay = 2 * time.Second

// ToolError records a failed tool invocation.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int // -1 when the process never started
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s: exit code %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	return []error{ErrToolFailed, e.Err}
}

// Runner executes an external program and waits for it to exit.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	// FSLDir, when set, resolves tools under FSLDir/bin instead of PATH
	FSLDir string

	// OutputType is exported as FSLOUTPUTTYPE, e.g. NIFTI_GZ or NIFTI
	OutputType string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	path := name
	if r.FSLDir != "" {
		path = filepath.Join(r.FSLDir, "bin", name)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	env := os.Environ()
	if r.FSLDir != "" {
		env = append(env, "FSLDIR="+r.FSLDir)
	}
	if r.OutputType != "" {
		env = append(env, "FSLOUTPUTTYPE="+r.OutputType)
	}
	cmd.Env = env

	var errb bytes.Buffer
	cmd.Stderr = &errb
	// children of a killed tool may keep stderr open
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		// a process killed by ctx reports the signal, not the cancellation
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(ctxErr, err)
		}
		return &ToolError{Tool: name, Args: args, ExitCode: code, Stderr: errb.String(), Err: err}
	}
	return nil
}

// OutputTypeFor picks the FSLOUTPUTTYPE that makes tools write files with
// the same extension as path.
func OutputTypeFor(path string) string {
	if fname.IsGzip(path) {
		return "NIFTI_GZ"
	}
	return "NIFTI"
}

// Bet runs `bet in out -m -f frac` and returns the path of the binary mask
// bet writes next to out.
func Bet(ctx context.Context, r Runner, in, out string, frac float64) (string, error) {
	if frac <= 0 || frac >= 1 {
		return "", fmt.Errorf("bet fractional intensity threshold must be in (0, 1), got %v", frac)
	}
	args := []string{in, out, "-m", "-f", strconv.FormatFloat(frac, 'g', -1, 64)}
	if err := r.Run(ctx, "bet", args...); err != nil {
		return "", err
	}

	mask := fname.WithSuffix(out, "_mask")
	if _, err := os.Stat(mask); err != nil {
		return "", &ToolError{Tool: "bet", Args: args, Err: fmt.Errorf("mask not written: %w", err)}
	}
	return mask, nil
}

// Mul runs `fslmaths a -mul b out`.
func Mul(ctx context.Context, r Runner, a, b, out string) error {
	args := []string{a, "-mul", b, out}
	if err := r.Run(ctx, "fslmaths", args...); err != nil {
		return err
	}
	if _, err := os.Stat(out); err != nil {
		return &ToolError{Tool: "fslmaths", Args: args, Err: fmt.Errorf("output not written: %w", err)}
	}
	return nil
}
