// Package masks builds a consensus brain mask for one b0 volume of a
// diffusion series.
package masks

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"b0masks/internal/logger"
	"b0masks/internal/models"
	"b0masks/pkg/fname"
	"b0masks/pkg/fsl"
	"b0masks/pkg/nifti"
	"b0masks/pkg/segment"
)

const component = "masks"

// Consensus modes
const (
	ConsensusNative   = "native"
	ConsensusFSLMaths = "fslmaths"
)

// Params holds the mask generation parameters.
type Params struct {
	// MedianRadius and Passes configure the median filter ahead of Otsu
	MedianRadius int
	Passes       int

	// BetFrac is bet's fractional intensity threshold
	BetFrac float64

	// OutputDir receives all outputs; empty writes next to the input
	OutputDir string

	// Consensus selects how the two masks are combined
	Consensus string
}

// DefaultParams mirrors the values used for b0 masks in practice.
func DefaultParams() Params {
	return Params{
		MedianRadius: segment.DefaultRadius,
		Passes:       segment.DefaultPasses,
		BetFrac:      fsl.DefaultBetFrac,
		Consensus:    ConsensusNative,
	}
}

// Generator produces the masks for one b0 index at a time. It holds no
// per-call state and is safe for concurrent use.
type Generator struct {
	params *Params
	runner fsl.Runner
	log    logger.Logger
}

// NewGenerator creates a generator. A nil runner runs FSL from PATH; a nil
// logger discards output.
func NewGenerator(params *Params, runner fsl.Runner, log logger.Logger) *Generator {
	if runner == nil {
		runner = &fsl.ExecRunner{}
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Generator{params: params, runner: runner, log: log}
}

// Paths returns the files Generate writes for index ix.
func (g *Generator) Paths(dwi string, ix int) models.MaskSet {
	vol := nifti.VolumePath(dwi, ix, g.params.OutputDir)
	return models.MaskSet{
		Volume:    vol,
		OtsuBrain: fname.WithSuffix(vol, "_brain"),
		OtsuMask:  fname.WithSuffix(vol, "_brain_mask"),
		BetMask:   fname.WithSuffix(vol, "_bet_mask"),
		Consensus: fname.WithSuffix(vol, "_consensus_mask"),
	}
}

// Generate runs the whole sequence for volume ix of dwi:
// extract, median-Otsu, bet, consensus.
func (g *Generator) Generate(ctx context.Context, dwi string, ix int) (models.MaskSet, error) {
	out := g.Paths(dwi, ix)
	fields := map[string]interface{}{"index": ix}

	// Step 1: extract the b0 volume
	if err := ctx.Err(); err != nil {
		return out, &models.TaskError{Kind: models.KindCanceled, Err: err}
	}
	vol, err := nifti.ExtractVolume(dwi, ix, g.params.OutputDir)
	if err != nil {
		return out, classify(fmt.Errorf("extracting volume %d: %w", ix, err))
	}
	g.logWritten("extracted b0 volume", vol, fields)

	// Step 2: median filter and Otsu threshold
	if err := g.medianOtsu(out); err != nil {
		return out, classify(fmt.Errorf("median otsu: %w", err))
	}
	g.logWritten("wrote otsu mask", out.OtsuMask, fields)

	// Step 3: bet
	if err := ctx.Err(); err != nil {
		return out, &models.TaskError{Kind: models.KindCanceled, Err: err}
	}
	betOut := fname.WithSuffix(vol, "_bet")
	betMask, err := fsl.Bet(ctx, g.withOutputType(vol), vol, betOut, g.params.BetFrac)
	if err != nil {
		return out, classify(fmt.Errorf("bet: %w", err))
	}
	out.BetMask = betMask
	g.logWritten("wrote bet mask", betMask, fields)

	// Step 4: consensus
	if err := g.consensus(ctx, out); err != nil {
		return out, classify(fmt.Errorf("consensus: %w", err))
	}
	g.logWritten("wrote consensus mask", out.Consensus, fields)

	return out, nil
}

// medianOtsu writes the skull-stripped b0 and its binary mask.
func (g *Generator) medianOtsu(out models.MaskSet) error {
	img, err := nifti.Load(out.Volume)
	if err != nil {
		return err
	}
	data, err := img.Float64s()
	if err != nil {
		return err
	}

	masked, mask, err := segment.MedianOtsu(data, segment.Shape(img.Shape3()), g.params.MedianRadius, g.params.Passes)
	if err != nil {
		return err
	}

	brain, err := nifti.NewLike(img, masked)
	if err != nil {
		return err
	}
	if err := brain.Save(out.OtsuBrain); err != nil {
		return err
	}

	maskImg, err := nifti.NewLike(img, segment.BoolsToFloat64s(mask))
	if err != nil {
		return err
	}
	return maskImg.Save(out.OtsuMask)
}

// consensus writes the voxel-wise product of the otsu and bet masks.
func (g *Generator) consensus(ctx context.Context, out models.MaskSet) error {
	if g.params.Consensus == ConsensusFSLMaths {
		return fsl.Mul(ctx, g.withOutputType(out.Volume), out.OtsuMask, out.BetMask, out.Consensus)
	}

	otsu, err := nifti.Load(out.OtsuMask)
	if err != nil {
		return err
	}
	bet, err := nifti.Load(out.BetMask)
	if err != nil {
		return err
	}
	if !nifti.SameSpace(otsu, bet) {
		return fmt.Errorf("%w: %v and %v", nifti.ErrShapeMismatch, otsu.Shape(), bet.Shape())
	}

	a, err := otsu.Float64s()
	if err != nil {
		return err
	}
	b, err := bet.Float64s()
	if err != nil {
		return err
	}
	prod, err := segment.Product(a, b)
	if err != nil {
		return err
	}

	img, err := nifti.NewLike(otsu, prod)
	if err != nil {
		return err
	}
	g.log.Debug(component, "consensus voxels", map[string]interface{}{
		"otsu":      segment.CountNonZero(a),
		"bet":       segment.CountNonZero(b),
		"consensus": segment.CountNonZero(prod),
	})
	return img.Save(out.Consensus)
}

// withOutputType pins FSLOUTPUTTYPE to the extension of path when the runner
// launches real processes.
func (g *Generator) withOutputType(path string) fsl.Runner {
	if r, ok := g.runner.(*fsl.ExecRunner); ok {
		copied := *r
		copied.OutputType = fsl.OutputTypeFor(path)
		return &copied
	}
	return g.runner
}

func (g *Generator) logWritten(msg, path string, fields map[string]interface{}) {
	f := map[string]interface{}{"path": path}
	for k, v := range fields {
		f[k] = v
	}
	if info, err := os.Stat(path); err == nil {
		f["size"] = humanize.Bytes(uint64(info.Size()))
	}
	g.log.Debug(component, msg, f)
}

// classify tags err with the failure kind the dispatcher reports.
func classify(err error) error {
	kind := models.KindInternal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = models.KindCanceled
	case errors.Is(err, fsl.ErrToolFailed):
		kind = models.KindTool
	case errors.Is(err, nifti.ErrIndexOutOfRange),
		errors.Is(err, nifti.ErrInvalidHeader),
		errors.Is(err, nifti.ErrUnsupportedType),
		errors.Is(err, segment.ErrNonFinite),
		errors.Is(err, os.ErrNotExist):
		kind = models.KindInput
	}
	return &models.TaskError{Kind: kind, Err: err}
}
