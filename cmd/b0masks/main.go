package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"b0masks/internal/logger"
	"b0masks/internal/models"
	"b0masks/pkg/bval"
	"b0masks/pkg/config"
	"b0masks/pkg/dispatch"
	"b0masks/pkg/fsl"
	"b0masks/pkg/masks"
	"b0masks/pkg/nifti"
)

const component = "main"

// newRunner builds the FSL runner used by the mask generator
var newRunner = func(fslDir string) fsl.Runner {
	return &fsl.ExecRunner{FSLDir: fslDir}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses args, generates masks for every b0 volume and prints the
// per-index report. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("b0masks", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dwi := fs.String("dwi", "", "4D diffusion weighted image (.nii or .nii.gz)")
	bvalPath := fs.String("bval", "", "b-value file matching the DWI volumes")
	configPath := fs.String("config", "", "YAML or TOML configuration file")
	numCores := fs.Int("cores", 4, "Number of volumes processed in parallel")
	backend := fs.String("backend", "pool", "Dispatch backend: pool, errgroup or sequential")
	outDir := fs.String("out", "", "Output directory (default: next to the DWI)")
	betFrac := fs.Float64("bet-frac", fsl.DefaultBetFrac, "bet fractional intensity threshold")
	target := fs.Float64("target", bval.DefaultTarget, "b-value treated as b0")
	tol := fs.Float64("tol", bval.DefaultTolerance, "Accepted distance from the target b-value")
	consensus := fs.String("consensus", masks.ConsensusNative, "Consensus mode: native or fslmaths")
	failFast := fs.Bool("fail-fast", false, "Cancel outstanding volumes after the first failure")
	logJSON := fs.Bool("log-json", false, "Write logs as JSON lines")
	logFile := fs.String("log-file", "", "Also write logs to this rotating file")
	verbose := fs.Bool("v", false, "Enable debug logging")
	writeConfig := fs.String("write-config", "", "Write the default configuration to this path and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(stderr, "Failed to write config: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Default configuration written to: %s\n", *writeConfig)
		return 0
	}

	// Validate inputs
	if *dwi == "" || *bvalPath == "" {
		fs.Usage()
		return 2
	}

	if *configPath != "" {
		if _, err := os.Stat(*configPath); err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 2
		}
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 2
	}

	// Explicit flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "backend":
			cfg.Processing.Backend = *backend
		case "fail-fast":
			cfg.Processing.FailFast = *failFast
		case "out":
			cfg.Output.Dir = *outDir
		case "bet-frac":
			cfg.Segmentation.BetFrac = *betFrac
		case "consensus":
			cfg.Segmentation.Consensus = *consensus
		case "target":
			cfg.Selection.Target = *target
		case "tol":
			cfg.Selection.Tolerance = *tol
		case "log-json":
			cfg.Output.JSON = *logJSON
		case "log-file":
			cfg.Output.Logfile = *logFile
		case "v":
			cfg.Output.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	log := logger.New(logger.Options{
		Verbose: cfg.Output.Verbose,
		JSON:    cfg.Output.JSON,
		Logfile: cfg.Output.Logfile,
		MaxSize: cfg.Output.MaxSize,
		MaxAge:  cfg.Output.MaxAge,
	})
	defer log.Close()

	// Step 1: select b0 volumes
	values, err := bval.ReadFile(*bvalPath)
	if err != nil {
		log.Error(component, err, map[string]interface{}{"bval": *bvalPath})
		return 1
	}
	indices, err := bval.Select(values, cfg.Selection.Target, cfg.Selection.Tolerance)
	if err != nil {
		log.Error(component, err, nil)
		return 1
	}

	hdr, err := nifti.LoadHeader(*dwi)
	if err != nil {
		log.Error(component, err, map[string]interface{}{"dwi": *dwi})
		return 1
	}
	if hdr.NumVolumes() != len(values) {
		log.Warning(component, "b-value count does not match the number of volumes", map[string]interface{}{
			"bvals":   len(values),
			"volumes": hdr.NumVolumes(),
		})
	}
	if len(indices) == 0 {
		log.Warning(component, "no b0 volumes selected", map[string]interface{}{
			"target":    cfg.Selection.Target,
			"tolerance": cfg.Selection.Tolerance,
		})
	}

	if cfg.Output.Dir != "" {
		if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
			log.Error(component, fmt.Errorf("error creating output directory: %w", err), nil)
			return 1
		}
	}

	// Step 2: generate masks for every selected volume
	params := masks.DefaultParams()
	params.MedianRadius = cfg.Segmentation.MedianRadius
	params.Passes = cfg.Segmentation.NumPass
	params.BetFrac = cfg.Segmentation.BetFrac
	params.Consensus = cfg.Segmentation.Consensus
	params.OutputDir = cfg.Output.Dir

	gen := masks.NewGenerator(&params, newRunner(cfg.Tools.FSLDir), log)
	d := dispatch.New(cfg.Processing.NumCores, cfg.Processing.Backend, cfg.Processing.FailFast, log)

	startTime := time.Now()
	report, err := d.Run(ctx, *dwi, indices, gen.Generate)
	if err != nil {
		log.Error(component, err, nil)
		return 1
	}

	// Step 3: report
	printReport(stdout, report, time.Since(startTime))
	if !report.OK() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, report models.Report, elapsed time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATUS\tELAPSED\tCONSENSUS MASK")
	for _, res := range report.Results {
		if res.OK() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", res.Index, res.Kind, res.Elapsed.Round(time.Millisecond),
				filepath.Base(res.Masks.Consensus))
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\n", res.Index, res.Kind, res.Elapsed.Round(time.Millisecond), res.Err)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d of %d volumes processed in %.2f seconds\n",
		len(report.Results)-len(report.Failed()), len(report.Results), elapsed.Seconds())
}
