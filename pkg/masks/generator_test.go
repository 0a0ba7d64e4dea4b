package masks

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"b0masks/internal/models"
	"b0masks/pkg/fsl"
	"b0masks/pkg/fsl/fsltest"
	"b0masks/pkg/nifti"
	"b0masks/pkg/segment"
)

// createTestDWI writes a (10,10,10,4) series holding a bright ball whose
// intensity depends on the volume index.
func createTestDWI(t *testing.T, dir string) string {
	t.Helper()
	shape := []int{10, 10, 10, 4}
	scale := []float64{1000, 300, 310, 990}
	data := make([]float64, 0, 4000)
	for v := 0; v < shape[3]; v++ {
		for z := 0; z < 10; z++ {
			for y := 0; y < 10; y++ {
				for x := 0; x < 10; x++ {
					dx, dy, dz := float64(x)-4.5, float64(y)-4.5, float64(z)-4.5
					val := float64((x+y+z)%3) * 2
					if math.Sqrt(dx*dx+dy*dy+dz*dz) < 3.5 {
						val += scale[v] * (1 - 0.05*math.Abs(dx))
					}
					data = append(data, val)
				}
			}
		}
	}
	affine := mat.NewDense(4, 4, []float64{
		2, 0, 0, -9,
		0, 2, 0, -9,
		0, 0, 2.5, -11,
		0, 0, 0, 1,
	})
	img, err := nifti.FromFloat64s(shape, data, affine)
	require.NoError(t, err)

	path := filepath.Join(dir, "sub-01_dwi.nii.gz")
	require.NoError(t, img.Save(path))
	return path
}

func testParams(outDir string) *Params {
	p := DefaultParams()
	p.MedianRadius = 1
	p.OutputDir = outDir
	return &p
}

func loadValues(t *testing.T, path string) (*nifti.Image, []float64) {
	t.Helper()
	img, err := nifti.Load(path)
	require.NoError(t, err)
	values, err := img.Float64s()
	require.NoError(t, err)
	return img, values
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	dwi := createTestDWI(t, dir)
	runner := &fsltest.Runner{}
	g := NewGenerator(testParams(""), runner, nil)

	out, err := g.Generate(context.Background(), dwi, 3)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "sub-01_dwi_b0_3.nii.gz"), out.Volume)
	assert.Equal(t, filepath.Join(dir, "sub-01_dwi_b0_3_brain.nii.gz"), out.OtsuBrain)
	assert.Equal(t, filepath.Join(dir, "sub-01_dwi_b0_3_brain_mask.nii.gz"), out.OtsuMask)
	assert.Equal(t, filepath.Join(dir, "sub-01_dwi_b0_3_bet_mask.nii.gz"), out.BetMask)
	assert.Equal(t, filepath.Join(dir, "sub-01_dwi_b0_3_consensus_mask.nii.gz"), out.Consensus)
	assert.Equal(t, g.Paths(dwi, 3), out)

	for _, p := range out.Files() {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"bet", out.Volume, filepath.Join(dir, "sub-01_dwi_b0_3_bet.nii.gz"), "-m", "-f", "0.2"}, calls[0])

	src, err := nifti.Load(dwi)
	require.NoError(t, err)
	volImg, _ := loadValues(t, out.Volume)
	otsuImg, otsu := loadValues(t, out.OtsuMask)
	_, bet := loadValues(t, out.BetMask)
	consImg, cons := loadValues(t, out.Consensus)

	for _, img := range []*nifti.Image{volImg, otsuImg, consImg} {
		assert.Equal(t, []int{10, 10, 10}, img.Shape())
		assert.True(t, mat.Equal(src.Affine(), img.Affine()))
	}

	marked := 0
	for i := range cons {
		want := 0.0
		if otsu[i] != 0 && bet[i] != 0 {
			want = 1
		}
		assert.Equal(t, want, cons[i], "voxel %d", i)
		if cons[i] != 0 {
			marked++
		}
	}
	assert.Greater(t, marked, 0)
}

func TestGenerateOutputDir(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())
	outDir := t.TempDir()
	g := NewGenerator(testParams(outDir), &fsltest.Runner{}, nil)

	out, err := g.Generate(context.Background(), dwi, 0)
	require.NoError(t, err)
	for _, p := range out.Files() {
		assert.Equal(t, outDir, filepath.Dir(p))
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())
	g := NewGenerator(testParams(""), &fsltest.Runner{}, nil)

	first, err := g.Generate(context.Background(), dwi, 0)
	require.NoError(t, err)
	snapshot := map[string][]byte{}
	for _, p := range first.Files() {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		snapshot[p] = b
	}

	second, err := g.Generate(context.Background(), dwi, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	for _, p := range second.Files() {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(snapshot[p], b), p)
	}
}

func TestGenerateFSLMathsConsensus(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())

	native := NewGenerator(testParams(t.TempDir()), &fsltest.Runner{}, nil)
	a, err := native.Generate(context.Background(), dwi, 0)
	require.NoError(t, err)

	p := testParams(t.TempDir())
	p.Consensus = ConsensusFSLMaths
	runner := &fsltest.Runner{}
	viaTool := NewGenerator(p, runner, nil)
	b, err := viaTool.Generate(context.Background(), dwi, 0)
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"fslmaths", b.OtsuMask, "-mul", b.BetMask, b.Consensus}, calls[1])

	_, x := loadValues(t, a.Consensus)
	_, y := loadValues(t, b.Consensus)
	assert.Equal(t, x, y)
}

func TestGenerateToolFailure(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())
	g := NewGenerator(testParams(""), &fsltest.Runner{Fail: map[string]bool{"bet": true}}, nil)

	_, err := g.Generate(context.Background(), dwi, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fsl.ErrToolFailed)
	assert.Equal(t, models.KindTool, models.Classify(err))

	var te *fsl.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.ExitCode)
}

func TestGenerateFSLMathsFailure(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())
	p := testParams("")
	p.Consensus = ConsensusFSLMaths
	g := NewGenerator(p, &fsltest.Runner{Fail: map[string]bool{"fslmaths": true}}, nil)

	_, err := g.Generate(context.Background(), dwi, 0)
	assert.Equal(t, models.KindTool, models.Classify(err))
}

func TestGenerateInputErrors(t *testing.T) {
	dir := t.TempDir()
	dwi := createTestDWI(t, dir)
	g := NewGenerator(testParams(""), &fsltest.Runner{}, nil)

	_, err := g.Generate(context.Background(), dwi, 4)
	assert.ErrorIs(t, err, nifti.ErrIndexOutOfRange)
	assert.Equal(t, models.KindInput, models.Classify(err))

	_, err = g.Generate(context.Background(), filepath.Join(dir, "missing.nii.gz"), 0)
	assert.Equal(t, models.KindInput, models.Classify(err))
}

func TestGenerateCanceled(t *testing.T) {
	dwi := createTestDWI(t, t.TempDir())
	g := NewGenerator(testParams(""), &fsltest.Runner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, dwi, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.KindCanceled, models.Classify(err))
}

func TestGenerateNonFiniteVoxels(t *testing.T) {
	dir := t.TempDir()
	data := make([]float64, 5*5*5*2)
	for i := range data {
		data[i] = float64(i % 7)
	}
	data[62] = math.NaN()
	img, err := nifti.FromFloat64s([]int{5, 5, 5, 2}, data, nil)
	require.NoError(t, err)
	dwi := filepath.Join(dir, "nan_dwi.nii")
	require.NoError(t, img.Save(dwi))

	runner := &fsltest.Runner{}
	g := NewGenerator(testParams(""), runner, nil)
	_, err = g.Generate(context.Background(), dwi, 0)
	assert.ErrorIs(t, err, segment.ErrNonFinite)
	assert.Equal(t, models.KindInput, models.Classify(err))
	assert.Empty(t, runner.Calls())
}

func TestGenerateCanceledDuringBet(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	dwi := createTestDWI(t, dir)

	fslDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(fslDir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fslDir, "bin", "bet"), []byte("#!/bin/sh\nexec sleep 10\n"), 0755))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	g := NewGenerator(testParams(""), &fsl.ExecRunner{FSLDir: fslDir}, nil)

	_, err := g.Generate(ctx, dwi, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.KindCanceled, models.Classify(err))
}
