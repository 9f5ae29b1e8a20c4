// Command cdpcore connects to a running browser, waits for its first page
// to settle and prints the page's frame tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/grafana/cdpcore/env"
)

func main() {
	var cfg config
	flag.StringVar(&cfg.selector, "selector", "", "wait for `selector` in the main frame")
	flag.BoolVar(&cfg.hidden, "hidden", false, "wait for the selector to be hidden")
	flag.BoolVar(&cfg.visible, "visible", false, "wait for the selector to be visible")
	flag.BoolVar(&cfg.idle, "idle", false, "wait for the network to be idle")
	flag.StringVar(&cfg.out, "out", "", "save the frame tree dump to `file`")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on `addr` while running")
	flag.Parse()
	if flag.NArg() > 1 {
		fatal(errors.New("too many arguments"))
	}
	cfg.wsURL = flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, env.Lookup, os.Stdout); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "cdpcore: %v\n", err)
	os.Exit(1)
}
