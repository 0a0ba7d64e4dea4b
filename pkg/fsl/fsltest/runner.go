// Package fsltest provides an in-process stand-in for the FSL tools so the
// mask pipeline can be tested on machines without FSL.
package fsltest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"b0masks/pkg/fname"
	"b0masks/pkg/fsl"
	"b0masks/pkg/nifti"
	"b0masks/pkg/segment"
)

// Runner emulates `bet <in> <out> -m -f <frac>` by keeping voxels brighter
// than frac times the volume maximum, and `fslmaths a -mul b out` with a
// voxel-wise product.
type Runner struct {
	// Fail makes the named tool exit with status 1
	Fail map[string]bool

	mu    sync.Mutex
	calls [][]string
}

// Calls returns a copy of every invocation seen so far.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Run implements fsl.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &fsl.ToolError{Tool: name, Args: args, ExitCode: -1, Err: err}
	}
	if r.Fail[name] {
		return &fsl.ToolError{Tool: name, Args: args, ExitCode: 1, Stderr: name + ": simulated failure",
			Err: fmt.Errorf("exit status 1")}
	}

	switch name {
	case "bet":
		return bet(args)
	case "fslmaths":
		return mul(args)
	}
	return &fsl.ToolError{Tool: name, Args: args, ExitCode: 127, Err: fmt.Errorf("unknown tool %q", name)}
}

func bet(args []string) error {
	if len(args) != 5 || args[2] != "-m" || args[3] != "-f" {
		return usage("bet", args)
	}
	frac, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return usage("bet", args)
	}

	img, err := nifti.Load(args[0])
	if err != nil {
		return err
	}
	data, err := img.Float64s()
	if err != nil {
		return err
	}

	max := 0.0
	for _, v := range data {
		if v > max {
			max = v
		}
	}
	brain := make([]float64, len(data))
	mask := make([]float64, len(data))
	for i, v := range data {
		if v > frac*max {
			brain[i] = v
			mask[i] = 1
		}
	}

	if err := save(img, brain, args[1]); err != nil {
		return err
	}
	return save(img, mask, fname.WithSuffix(args[1], "_mask"))
}

func mul(args []string) error {
	if len(args) != 4 || args[1] != "-mul" {
		return usage("fslmaths", args)
	}
	a, err := nifti.Load(args[0])
	if err != nil {
		return err
	}
	b, err := nifti.Load(args[2])
	if err != nil {
		return err
	}
	av, err := a.Float64s()
	if err != nil {
		return err
	}
	bv, err := b.Float64s()
	if err != nil {
		return err
	}
	prod, err := segment.Product(av, bv)
	if err != nil {
		return err
	}
	return save(a, prod, args[3])
}

func save(like *nifti.Image, data []float64, path string) error {
	img, err := nifti.NewLike(like, data)
	if err != nil {
		return err
	}
	return img.Save(path)
}

func usage(tool string, args []string) error {
	return &fsl.ToolError{Tool: tool, Args: args, ExitCode: 1, Err: fmt.Errorf("bad arguments")}
}
