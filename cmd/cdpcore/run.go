package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/env"
	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
	"github.com/grafana/cdpcore/otel"
	"github.com/grafana/cdpcore/storage"
	"github.com/grafana/cdpcore/trace"
)

const shutdownTimeout = 5 * time.Second

type config struct {
	wsURL       string
	selector    string
	hidden      bool
	visible     bool
	idle        bool
	out         string
	metricsAddr string
}

func (c config) selectorState() (string, error) {
	switch {
	case c.hidden && c.visible:
		return "", errors.New("-hidden and -visible are mutually exclusive")
	case c.hidden:
		return "hidden", nil
	case c.visible:
		return "visible", nil
	default:
		return "attached", nil
	}
}

func run(ctx context.Context, cfg config, lookup env.LookupFunc, w io.Writer) error {
	opts := common.NewOptions()
	if err := opts.Parse(lookup); err != nil {
		return err
	}
	if cfg.wsURL != "" {
		opts.WSURL = cfg.wsURL
	}
	if opts.WSURL == "" {
		return fmt.Errorf("provide the websocket URL as an argument or in %s", env.WebSocketURL)
	}
	state, err := cfg.selectorState()
	if err != nil {
		return err
	}

	logger, err := newLogger(opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.RegisterCustomMetrics(reg)
	if err != nil {
		return err
	}

	tp, err := newTraceProvider(ctx, opts.TracesEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Errorf("cdpcore:run", "shutting down trace provider: %v", serr)
		}
	}()
	tracer := trace.NewTracer(logger.Logger, tp, opts.TracesMetadata)

	g, gctx := errgroup.WithContext(ctx)
	inspected := make(chan struct{})
	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: shutdownTimeout,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-inspected:
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer close(inspected)
		return inspect(gctx, cfg, state, opts, logger, m, tracer, w)
	})

	return g.Wait()
}

func newLogger(opts *common.Options) (*log.Logger, error) {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	var filter *regexp.Regexp
	if opts.LogCategoryFilter != "" {
		var err error
		if filter, err = regexp.Compile(opts.LogCategoryFilter); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", env.LogCategoryFilter, err)
		}
	}
	return log.New(l, opts.Debug, filter), nil
}

// newTraceProvider exports to endpoint over OTLP/HTTP. An http:// endpoint
// is exported to without TLS. An empty endpoint records nothing.
func newTraceProvider(ctx context.Context, endpoint string) (otel.TraceProvider, error) {
	if endpoint == "" {
		return otel.NewNoopTraceProvider(), nil
	}
	insecure := false
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint, insecure = rest, true
	} else {
		endpoint = strings.TrimPrefix(endpoint, "https://")
	}
	tp, err := otel.NewTraceProvider(ctx, "http", endpoint, insecure)
	if err != nil {
		return nil, fmt.Errorf("creating trace provider: %w", err)
	}
	return tp, nil
}

func inspect(
	ctx context.Context,
	cfg config,
	state string,
	opts *common.Options,
	logger *log.Logger,
	m *metrics.Metrics,
	tracer *trace.Tracer,
	w io.Writer,
) error {
	b, err := common.Connect(ctx, opts, logger, m, tracer)
	if err != nil {
		return err
	}
	// the browser keeps running
	defer b.Disconnect()

	if v, err := b.Version(ctx); err == nil {
		logger.Infof("cdpcore:inspect", "connected to browser version %s", v)
	}

	p, err := b.WaitForPage(ctx, nil, opts.Timeout)
	if err != nil {
		return err
	}
	if cfg.selector != "" {
		if _, err := p.WaitForSelector(ctx, nil, cfg.selector, &common.WaitForSelectorOptions{State: state}); err != nil {
			return err
		}
	}
	if cfg.idle {
		if err := p.WaitForNetworkIdle(ctx, nil, nil); err != nil {
			return err
		}
	}

	printTree(w, p.Frames())

	if cfg.out != "" {
		var lfp storage.LocalFilePersister
		if err := lfp.Persist(ctx, cfg.out, strings.NewReader(p.Dump())); err != nil {
			return fmt.Errorf("saving frame tree: %w", err)
		}
		logger.Infof("cdpcore:inspect", "frame tree saved to %q", cfg.out)
	}

	return nil
}

// printTree prints frames, given in pre-order, one per line and indented
// by depth. Frames in another session than their parent are highlighted.
func printTree(w io.Writer, frames []*common.Frame) {
	var (
		top  = color.New(color.FgCyan, color.Bold)
		oop  = color.New(color.FgYellow)
		url  = color.New(color.Faint)
	)
	for _, f := range frames {
		depth := 0
		for p := f.ParentFrame(); p != nil; p = p.ParentFrame() {
			depth++
		}
		indent := strings.Repeat("  ", depth)

		switch {
		case depth == 0:
			top.Fprintf(w, "%s%s", indent, f.ID())
		case f.IsOOPFrame():
			oop.Fprintf(w, "%s%s [%s]", indent, f.ID(), f.Session().ID())
		default:
			fmt.Fprintf(w, "%s%s", indent, f.ID())
		}
		url.Fprintf(w, " %s\n", f.URL())
	}
}
