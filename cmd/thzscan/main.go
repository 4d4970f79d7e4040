// Command thzscan runs a single scan from the command line and writes the
// data file, settings and figure next to each other.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/thz.scan/internal/config"
	"github.com/banshee-data/thz.scan/internal/export"
	"github.com/banshee-data/thz.scan/internal/report"
	"github.com/banshee-data/thz.scan/internal/rig"
	"github.com/banshee-data/thz.scan/internal/scan"
	"github.com/banshee-data/thz.scan/internal/timeutil"
	"github.com/banshee-data/thz.scan/internal/version"
)

// defaultName is used when neither -name nor the scan file names the output.
const defaultName = "thz"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	fset := flag.NewFlagSet("thzscan", flag.ContinueOnError)
	var (
		defaultsPath = fset.String("defaults", config.DefaultConfigPath, "Scan defaults file")
		scanPath     = fset.String("config", "", "Scan file merged over the defaults")
		mode         = fset.String("mode", "", "Override the scan mode (step_scan, gathering, goto_delay, continuous_read)")
		outDir       = fset.String("out", "", "Override the output directory")
		name         = fset.String("name", "", "Base name of the output files")
		htmlPath     = fset.String("html", "", "Also write an interactive chart to this path")
		devMode      = fset.Bool("dev", false, "Use the simulated controller and detector")
		showVersion  = fset.Bool("version", false, "Print version and exit")
	)
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "thzscan %s\n", version.String())
		return 0
	}

	file, err := loadFile(*defaultsPath, *scanPath)
	if err != nil {
		log.Printf("thzscan: %v", err)
		return 2
	}
	if *mode != "" {
		file.Mode = mode
	}
	if *outDir != "" {
		file.OutputDir = outDir
	}
	base := *name
	if base == "" {
		base = file.GetAutoName()
	}
	if base == "" {
		base = defaultName
	}
	if err := file.Validate(); err != nil {
		log.Printf("thzscan: %v", err)
		return 2
	}

	r := rig.New(rig.Options{Dev: *devMode})
	defer r.Close()
	engine := scan.NewEngine(timeutil.RealClock{})
	if err := r.Prepare(ctx, engine, file); err != nil {
		log.Printf("thzscan: %v", err)
		return 1
	}

	// an interrupt stops after the current point and keeps the samples
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Print("interrupted, stopping after the current point")
		case <-done:
		}
	}()

	res := engine.Run(ctx, file.ToConfiguration(), progressLogger(stdout))
	log.Printf("scan %s %s with %d samples", res.ID, res.Outcome, len(res.Samples))
	for _, w := range res.Warnings {
		log.Printf("warning: %s", w)
	}

	if export.ShouldSave(res) {
		var secondary *float64
		if d, ok := file.SecondaryDelay(); ok {
			secondary = &d
		}
		path, err := export.WriteOutputs(file.GetOutputDir(), base, secondary, res)
		if err != nil {
			log.Printf("thzscan: %v", err)
			return 1
		}
		fmt.Fprintln(stdout, path)
	}
	if *htmlPath != "" && len(res.Samples) > 0 {
		if err := writeHTML(*htmlPath, res); err != nil {
			log.Printf("thzscan: %v", err)
			return 1
		}
	}

	if res.Outcome.Kind == scan.Failed {
		return 1
	}
	return 0
}

// loadFile reads the defaults, which may be absent, and merges the scan file
// over them.
func loadFile(defaultsPath, scanPath string) (*config.ScanFile, error) {
	file := &config.ScanFile{}
	if defaultsPath != "" {
		defaults, err := config.LoadScanFile(defaultsPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("no defaults at %s, using built-in values", defaultsPath)
		case err != nil:
			return nil, err
		default:
			file = defaults
		}
	}
	if scanPath == "" {
		return file, nil
	}
	override, err := config.LoadScanFile(scanPath)
	if err != nil {
		return nil, err
	}
	return file.Merge(override)
}

func progressLogger(out io.Writer) scan.Observer {
	last := -10.0
	return scan.ObserverFuncs{
		OnProgress: func(p float64) {
			if p-last >= 10 || p >= 100 {
				fmt.Fprintf(out, "%5.1f%%\n", p)
				last = p
			}
		},
	}
}

func writeHTML(path string, res scan.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.RenderHTML(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
