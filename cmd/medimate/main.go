package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gmsas95/medimate/internal/app"
	"github.com/gmsas95/medimate/internal/config"
	"github.com/gmsas95/medimate/internal/dose"
)

var version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "doses":
		runDoses(args)
	case "import":
		runImport(args)
	case "version", "--version", "-v":
		fmt.Printf("MediMate version %s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Println(`MediMate - medication reminders and caregiver alerts

Usage:
  medimate [serve] [-config path] [-data dir]   Run the HTTP API and reminder sessions
  medimate doses <HH:MM> [frequency]            Print the dose times of a schedule
  medimate import [-patient id] <file.yaml>     Bulk-load medications from YAML
  medimate version                              Print the version

Frequencies: "1x a day", "2x a day", "3x a day", "4x a day"`)
}

type commonFlags struct {
	configPath *string
	dataDir    *string
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, commonFlags{
		configPath: fs.String("config", "", "Path to config file"),
		dataDir:    fs.String("data", "", "Path to data directory"),
	}
}

// newLogger picks the console encoder on a terminal and JSON otherwise
func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		zc = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func initApp(flags commonFlags) (*app.App, *zap.Logger) {
	if err := config.LoadEnvFiles(); err != nil {
		log.Printf("Warning: failed to load .env files: %v", err)
	}

	cfg, err := config.Load(*flags.configPath, *flags.dataDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting MediMate",
		zap.String("version", version),
		zap.String("data_dir", cfg.Storage.DataDir),
	)

	application, err := app.New(context.Background(), cfg, logger, version)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	return application, logger
}

func runServe(args []string) {
	fs, flags := newFlagSet("serve")
	_ = fs.Parse(args)

	application, logger := initApp(flags)
	defer logger.Sync()

	if err := application.RunServer(); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
}

func runDoses(args []string) {
	fs := flag.NewFlagSet("doses", flag.ExitOnError)
	interval := fs.Int("interval", 0, "Interval in hours (4, 6, 12 or 24), overrides the frequency")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: medimate doses <HH:MM> [frequency]")
		os.Exit(2)
	}

	t0, err := dose.ParseTimeOfDay(fs.Arg(0), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid time: %v\n", err)
		os.Exit(1)
	}
	frequency := dose.OnceDaily
	if fs.NArg() > 1 {
		frequency = strings.Join(fs.Args()[1:], " ")
	}
	times := dose.DoseTimes(t0, dose.EffectiveInterval(frequency, *interval))

	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(dose.Strings(times))
		return
	}
	for _, t := range times {
		fmt.Printf("%s  %8s\n", t, t.Format12Hour())
	}
}

func runImport(args []string) {
	fs, flags := newFlagSet("import")
	patient := fs.String("patient", "", "Patient ID (defaults to the file's patient)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: medimate import [-patient id] <file.yaml>")
		os.Exit(2)
	}

	application, logger := initApp(flags)
	defer logger.Sync()

	ctx := context.Background()
	report, err := application.Import(ctx, *patient, fs.Arg(0))
	if serr := application.Shutdown(ctx); serr != nil {
		logger.Warn("Shutdown error", zap.Error(serr))
	}
	if err != nil {
		logger.Fatal("Import failed", zap.Error(err))
	}

	fmt.Printf("Imported %d medication(s) for %s\n", report.Imported, report.Patient)
	for _, f := range report.Failed {
		fmt.Printf("  skipped #%d %q: %s\n", f.Index, f.Name, f.Error)
	}
	if len(report.Failed) > 0 {
		os.Exit(1)
	}
}
