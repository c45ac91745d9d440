package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/engine/backends"
	"github.com/loqalabs/loqa-midi/internal/render"
	"github.com/loqalabs/loqa-midi/internal/sink"
	"github.com/loqalabs/loqa-midi/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	preset     int
	wet        int
	output     string
	format     string
	seekMs     int
	showVer    bool
	files      []string
	set        map[string]bool
}

func usage(fs *flag.FlagSet, w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "usage: midirender [-h] [-r 0..%d] [-w 0..%d] [-o path] [-format raw|wav] [-config path] [-seek ms] file...\n\n",
			render.MaxPreset, config.MaxReverbWet)
		fmt.Fprintln(w, "Renders MIDI and Mobile XMF files to 16-bit PCM, on stdout by default.")
		fmt.Fprintln(w)
		fs.PrintDefaults()
		fmt.Fprintln(w, "\nreverb presets:")
		for i, name := range render.PresetNames {
			fmt.Fprintf(w, "  %d  %s\n", i, name)
		}
	}
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("midirender", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(fs, stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.IntVar(&opts.preset, "r", 0, "Reverb preset (0 disables reverb)")
	fs.IntVar(&opts.wet, "w", 0, "Reverb wet amount")
	fs.StringVar(&opts.output, "o", "", "Write output to `path` instead of stdout")
	fs.StringVar(&opts.format, "format", "", "Output format: raw or wav (wav requires -o)")
	fs.IntVar(&opts.seekMs, "seek", 0, "Start rendering each file at `ms`")
	fs.BoolVar(&opts.showVer, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.files = fs.Args()
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	if opts.preset < 0 || opts.preset > render.MaxPreset {
		return opts, fmt.Errorf("invalid reverb preset: %d (want 0..%d)", opts.preset, render.MaxPreset)
	}
	if opts.wet < 0 || opts.wet > config.MaxReverbWet {
		return opts, fmt.Errorf("invalid reverb amount: %d (want 0..%d)", opts.wet, config.MaxReverbWet)
	}
	if opts.seekMs < 0 || opts.seekMs > math.MaxInt32 {
		return opts, fmt.Errorf("invalid seek position: %d (want 0..%d)", opts.seekMs, math.MaxInt32)
	}
	opts.format = strings.ToLower(opts.format)
	if err := checkFormat(opts.format, opts.output); err != nil {
		return opts, err
	}
	if !opts.showVer && len(opts.files) == 0 {
		fs.Usage()
		return opts, errors.New("no input files")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "midirender:", err)
		}
		return 1
	}
	if opts.showVer {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "midirender:", err)
		return 1
	}
	if opts.set["r"] {
		cfg.Render.ReverbPreset = opts.preset
	}
	if opts.set["w"] {
		cfg.Render.ReverbWet = opts.wet
	}
	if opts.format != "" {
		cfg.Render.Format = opts.format
	}
	if err := checkFormat(strings.ToLower(cfg.Render.Format), opts.output); err != nil {
		fmt.Fprintln(stderr, "midirender:", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: telemetry.ParseLevel(cfg.Telemetry.LogLevel)}))

	if cfg.Telemetry.TraceExporter != "none" {
		tel, err := telemetry.Setup(ctx, cfg, stderr, logger)
		if err != nil {
			logger.Error("failed to setup telemetry", slog.String("error", err.Error()))
			return 1
		}
		defer func() {
			if err := tel.Shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
			}
		}()
	}

	backend, err := backends.New(ctx, cfg.Engine, logger)
	if err != nil {
		logger.Error("failed to create engine backend", slog.String("error", err.Error()))
		return 1
	}
	defer backend.Close(context.Background())

	out := newOutput(cfg.Render.Format, opts.output, stdout, logger)
	r := &renderer{
		backend: backend,
		out:     out,
		seekMs:  int32(opts.seekMs),
		log:     logger,
		opts: render.Options{
			Reverb:            render.Reverb{Preset: cfg.Render.ReverbPreset, Wet: cfg.Render.ReverbWet},
			AggregationFactor: cfg.Render.AggregationFactor,
			Logger:            logger,
		},
	}
	for _, path := range opts.files {
		if err := r.renderFile(ctx, path); err != nil {
			logger.Error("render failed", slog.String("file", path), slog.String("error", err.Error()))
			_ = out.Close()
			return 1
		}
	}
	if err := out.Close(); err != nil {
		logger.Error("failed to finalize output", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// checkFormat rejects output settings that would only fail once the first
// file is already open.
func checkFormat(format, output string) error {
	switch format {
	case "", "raw":
		return nil
	case "wav":
		if output == "" {
			return errors.New("wav output requires -o")
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want raw or wav)", format)
	}
}

type renderer struct {
	backend *backends.Backend
	out     *output
	opts    render.Options
	seekMs  int32
	log     *slog.Logger
}

func (r *renderer) renderFile(ctx context.Context, path string) error {
	sess, err := render.Open(ctx, path, r.backend.Factory, r.opts)
	if err != nil {
		return err
	}
	if r.seekMs > 0 {
		if err := sess.Seek(r.seekMs); err != nil {
			return errors.Join(err, sess.Close())
		}
	}
	cfg := sess.Config()
	w, err := r.out.sink(sink.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	if err != nil {
		return errors.Join(err, sess.Close())
	}
	stats, err := sess.Render(ctx, w)
	if err != nil {
		return errors.Join(err, sess.Close())
	}
	r.log.Info("rendered",
		slog.String("file", path),
		slog.Int64("frames", stats.Frames),
		slog.Int64("ms", cfg.FramesToMillis(stats.Frames)),
		slog.Duration("elapsed", stats.Elapsed))
	return sess.Close()
}

// output opens its sink on first use, once the PCM format is known, and
// keeps it across files.
type output struct {
	format string
	path   string
	stdout io.Writer
	log    *slog.Logger

	dst  sink.Sink
	file *os.File
	pcm  sink.Format
}

func newOutput(format, path string, stdout io.Writer, log *slog.Logger) *output {
	return &output{format: strings.ToLower(format), path: path, stdout: stdout, log: log}
}

func (o *output) sink(format sink.Format) (sink.Sink, error) {
	if o.dst != nil {
		if format != o.pcm {
			return nil, fmt.Errorf("pcm format %+v differs from earlier files (%+v)", format, o.pcm)
		}
		return o.dst, nil
	}
	o.pcm = format
	switch o.format {
	case "wav":
		if o.path == "" {
			return nil, errors.New("wav output requires -o")
		}
		wav, err := sink.WAV(o.path, format)
		if err != nil {
			return nil, err
		}
		o.dst = wav
	case "", "raw":
		if o.path == "" {
			if f, ok := o.stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				o.log.Warn("writing raw PCM to a terminal; redirect stdout or use -o")
			}
			o.dst = sink.Raw(o.stdout)
			break
		}
		f, err := os.Create(o.path)
		if err != nil {
			return nil, fmt.Errorf("create output: %w", err)
		}
		o.file = f
		o.dst = sink.Raw(f)
	default:
		return nil, fmt.Errorf("unsupported output format %q", o.format)
	}
	return o.dst, nil
}

func (o *output) Close() error {
	var errs []error
	if o.dst != nil {
		errs = append(errs, o.dst.Close())
	}
	if o.file != nil {
		errs = append(errs, o.file.Close())
	}
	return errors.Join(errs...)
}
