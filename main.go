// Command datastream runs and probes shared-memory frame streams.
//
//	datastream run     -config module.toml
//	datastream read    -stream NAME [-mode newest|oldest] [-count K] [-timeout D] [-dump FILE]
//	datastream write   -stream NAME -dtype float32 -shape 2,2 -slots 4 [-rate HZ] [-count K]
//	datastream inspect [-stream NAME]
//	datastream rm      -stream NAME
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/config"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"run", "run the streams of a module config", runModule},
	{"read", "attach to a stream and report latency", runRead},
	{"write", "create a stream and submit counter frames", runWrite},
	{"inspect", "show stream descriptors and producer progress", runInspect},
	{"rm", "remove a stream name", runRemove},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: datastream <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	name, args := os.Args[1], os.Args[2:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		err := c.run(ctx, args)
		if err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error(name+" failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "datastream %s: %v\n", name, err)
			cancel()
			os.Exit(1)
		}
		return
	}
	usage()
	os.Exit(2)
}
