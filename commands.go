package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacetelescope/catkit2-sub001/config"
	"github.com/spacetelescope/catkit2-sub001/datastream"
	"github.com/spacetelescope/catkit2-sub001/ipc"
	"github.com/spacetelescope/catkit2-sub001/logging"
	"github.com/spacetelescope/catkit2-sub001/metrics"
	"github.com/spacetelescope/catkit2-sub001/module"
	"github.com/spacetelescope/catkit2-sub001/monitor"
	"github.com/spacetelescope/catkit2-sub001/probe"
)

// registryFlags are shared by every subcommand. Unset flags fall back to the
// DATASTREAM_REGISTRY_* environment and then to the defaults.
type registryFlags struct {
	dir     string
	prefix  string
	verbose bool
}

func (rf *registryFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&rf.dir, "dir", "", "registry directory (default /dev/shm or the temp dir)")
	fs.StringVar(&rf.prefix, "prefix", "", "stream file prefix (default \""+datastream.DefaultPrefix+"\")")
	fs.BoolVar(&rf.verbose, "v", false, "debug logging")
}

// setup resolves the registry settings and builds the logger.
func (rf *registryFlags) setup() (*datastream.Registry, *zap.Logger, error) {
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, nil, err
	}
	if rf.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)

	dir, prefix := cfg.Registry.Dir, cfg.Registry.Prefix
	if rf.dir != "" {
		dir = rf.dir
	}
	if rf.prefix != "" {
		prefix = rf.prefix
	}
	reg := datastream.NewRegistry(
		datastream.WithDir(dir),
		datastream.WithPrefix(prefix),
		datastream.WithRegistryLogger(logger))
	return reg, logger, nil
}

func runModule(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := fs.String("config", "module.toml", "module configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	reg := datastream.NewRegistry(
		datastream.WithDir(cfg.Registry.Dir),
		datastream.WithPrefix(cfg.Registry.Prefix),
		datastream.WithRegistryLogger(logger))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(promReg)

	opts := []module.Option{module.WithLogger(logger), module.WithMetrics(mt)}
	if cfg.Module.StatusSocket != "" {
		opts = append(opts, module.WithStatusPublisher(ipc.NewPublisher(cfg.Module.StatusSocket, logger)))
	}
	if cfg.Monitor.StaleAfter > 0 {
		wd := monitor.New(cfg.Monitor.StaleAfter.Std(), cfg.Monitor.Poll.Std(),
			monitor.WithLogger(logger), monitor.WithMetrics(mt))
		opts = append(opts, module.WithWatchdog(wd))
	}

	m := module.New(cfg.Module, reg, opts...)
	if err := m.RegisterAll(cfg.Streams); err != nil {
		m.Close()
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return m.Run(ctx)
	})
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	err = g.Wait()
	logger.Info("module stopped")
	return err
}

func runRead(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var rf registryFlags
	rf.bind(fs)
	stream := fs.String("stream", "", "stream name")
	modeName := fs.String("mode", "oldest", "newest or oldest")
	count := fs.Int("count", 0, "frames to read, 0 until interrupted or closed")
	timeout := fs.Duration("timeout", 0, "per-frame wait limit, 0 waits indefinitely")
	verify := fs.Bool("verify", false, "check frames against the counter pattern")
	dump := fs.String("dump", "", "write per-frame latencies in µs to this file")
	asJSON := fs.Bool("json", false, "print the summary as JSON")
	fs.Parse(args)

	mode, err := datastream.ParseBufferHandlingMode(*modeName)
	if err != nil {
		return err
	}
	reg, logger, err := rf.setup()
	if err != nil {
		return err
	}

	res, err := probe.Read(ctx, reg, probe.ReaderConfig{
		Stream: *stream, Mode: mode, Count: *count, Timeout: *timeout, Verify: *verify,
	}, probe.WithLogger(logger))
	if res == nil {
		return err
	}
	if *dump != "" {
		f, ferr := os.Create(*dump)
		if ferr != nil {
			return ferr
		}
		if ferr := probe.WriteLatencies(f, res.Latencies); ferr != nil {
			f.Close()
			return ferr
		}
		if ferr := f.Close(); ferr != nil {
			return ferr
		}
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(res.Summary); jerr != nil {
			return jerr
		}
	} else {
		fmt.Println(res.Summary)
	}
	return err
}

func runWrite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var rf registryFlags
	rf.bind(fs)
	stream := fs.String("stream", "", "stream name")
	dtypeName := fs.String("dtype", "uint64", "element type")
	shapeSpec := fs.String("shape", "1", "comma separated dimensions")
	slots := fs.Int("slots", 8, "number of slots")
	rate := fs.Float64("rate", 100, "frames per second, 0 as fast as possible")
	count := fs.Int("count", 0, "frames to write, 0 until interrupted")
	linger := fs.Duration("linger", 0, "keep the stream open after the last frame")
	fs.Parse(args)

	dt, err := datastream.ParseDataType(*dtypeName)
	if err != nil {
		return err
	}
	shape, err := parseShape(*shapeSpec)
	if err != nil {
		return err
	}
	reg, logger, err := rf.setup()
	if err != nil {
		return err
	}

	res, err := probe.Write(ctx, reg, probe.WriterConfig{
		Stream: *stream, DataType: dt, Shape: shape, Slots: *slots,
		Rate: *rate, Count: *count, Linger: *linger,
	}, logger, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d frames in %s\n", res.Stream, res.Frames, res.Elapsed.Round(time.Millisecond))
	return nil
}

func parseShape(spec string) ([]int, error) {
	var shape []int
	for _, part := range strings.Split(spec, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: shape %q", datastream.ErrInvalidArgument, spec)
		}
		shape = append(shape, n)
	}
	return shape, nil
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	var rf registryFlags
	rf.bind(fs)
	stream := fs.String("stream", "", "stream name, all streams when empty")
	fs.Parse(args)

	reg, _, err := rf.setup()
	if err != nil {
		return err
	}
	names := []string{*stream}
	if *stream == "" {
		if names, err = reg.List(); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tSLOTS\tCURSOR\tPID\tCREATED")
	for _, name := range names {
		info, err := reg.Inspect(name)
		if err != nil {
			if *stream != "" {
				return err
			}
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t%v\n", name, err)
			continue
		}
		d := info.Descriptor
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%d\t%s\n",
			d.Name, d.DataType, d.Shape, d.SlotCount, info.Cursor, info.CreatorPID,
			info.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runRemove(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	var rf registryFlags
	rf.bind(fs)
	stream := fs.String("stream", "", "stream name")
	fs.Parse(args)

	reg, _, err := rf.setup()
	if err != nil {
		return err
	}
	return reg.Remove(*stream)
}
