package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/monitor"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/pipeline"
)

// RunOptions holds the run command options.
type RunOptions struct {
	Graph   string
	Monitor string
	Timeout time.Duration
	Status  bool
}

func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}
	cmd := &cobra.Command{
		Use:   "run --graph FILE",
		Short: "Build a graph, play it to the end of stream and tear it down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry()
			if err != nil {
				return err
			}
			return runGraph(cmd.Context(), reg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.Graph, "graph", "g", "", "graph file (YAML)")
	cmd.Flags().StringVar(&opts.Monitor, "monitor", "", "serve bus events over websocket on this address, e.g. :8090")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "stop after this long; 0 waits for end of stream")
	cmd.Flags().BoolVar(&opts.Status, "status", false, "print component and port states before teardown")
	cmd.MarkFlagRequired("graph")
	return cmd
}

// runtimeConfig overlays the graph's runtime section on the defaults.
func runtimeConfig(g *pipeline.Graph) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if g.Runtime.AllocLimit > 0 {
		cfg.AllocLimit = g.Runtime.AllocLimit
	}
	if g.Runtime.StateTimeout > 0 {
		cfg.StateTimeout = g.Runtime.StateTimeout
	}
	for name, n := range g.Runtime.Resources {
		cfg.Resources[name] = n
	}
	return cfg
}

func runGraph(ctx context.Context, reg *component.Registry, opts *RunOptions, out io.Writer) error {
	g, err := pipeline.LoadGraph(opts.Graph)
	if err != nil {
		return err
	}
	log := logrus.WithField("graph", g.Name)

	rt := pipeline.NewRuntime(reg, runtimeConfig(g))
	p, err := rt.Build(ctx, g)
	if err != nil {
		return fmt.Errorf("build %s: %w", g.Name, err)
	}
	defer p.Stop(context.Background())

	if opts.Monitor != "" {
		srv := &http.Server{Addr: opts.Monitor, Handler: monitor.New(p.Bus(), monitor.DefaultConfig()).Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("monitor server failed")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.WithField("addr", opts.Monitor).Info("monitor listening")
	}

	if err := p.SetState(ctx, omx.StateIdle); err != nil {
		return err
	}
	if err := p.SetState(ctx, omx.StateExecuting); err != nil {
		return err
	}
	log.Info("playing")

	wctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	playErr := p.WaitEOS(wctx)
	switch {
	case playErr == nil:
		log.WithField("elapsed", time.Since(start)).Info("end of stream")
	case wctx.Err() != nil:
		log.Info("stopped before end of stream")
		playErr = nil
	default:
		log.WithError(playErr).WithField("error_name", omx.ErrorName(playErr)).Error("stream failed")
	}

	if opts.Status {
		if err := printStatus(ctx, p, out); err != nil {
			log.WithError(err).Warn("inspect")
		}
	}
	if err := p.SetState(ctx, omx.StateIdle); err != nil {
		return err
	}
	if err := p.SetState(ctx, omx.StateLoaded); err != nil {
		return err
	}
	return playErr
}

func printStatus(ctx context.Context, p *pipeline.Pipeline, out io.Writer) error {
	sts, err := p.Inspect(ctx)
	if err != nil {
		return err
	}
	stateColor := color.New(color.FgGreen)
	for _, st := range sts {
		fmt.Fprintf(out, "%s (%s) %s\n", st.Name, st.Role, stateColor.Sprint(st.State))
		for _, ps := range st.Ports {
			fmt.Fprintf(out, "  port %d: %s tunneled=%t pool=%d held=%d claimed=%d\n",
				ps.Index, ps.State, ps.Tunneled, ps.Pool, ps.Held, ps.Claimed)
		}
	}
	return nil
}
