package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/mxbridge/internal/adapter"
	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
	"github.com/tomasbasham/mxbridge/internal/pool"
	"github.com/tomasbasham/mxbridge/internal/server"
)

type ServeOptions struct {
	cfg    *config.Config
	logger *zap.Logger

	ConfigPath string
	ListenHost string
	ListenPort int
	Debug      bool
}

var (
	serveLong = templates.LongDesc(`
		Start the rendering bridge: one headless browser shared across the
		configured views, frames served over HTTP with ETag revalidation and
		pushed to WebSocket subscribers.`)

	serveExample = templates.Examples(`
		# Start with a config file
		mxbridge serve --config config.yaml

		# Override the listen address
		mxbridge serve --config config.yaml --listen-host 127.0.0.1 --listen-port 9000`)
)

func NewServeOptions() *ServeOptions {
	return &ServeOptions{}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the rendering bridge",
		Long:    serveLong,
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&o.ConfigPath, "config", "c", "config.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&o.ListenHost, "listen-host", "", "Override the configured listen host")
	cmd.Flags().IntVar(&o.ListenPort, "listen-port", 0, "Override the configured listen port")
	cmd.Flags().BoolVar(&o.Debug, "debug", false, "Enable debug logging")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.ListenHost != "" {
		cfg.ListenHost = o.ListenHost
	}
	if o.ListenPort != 0 {
		cfg.ListenPort = o.ListenPort
		cfg.Normalize()
	}
	o.cfg = cfg

	if o.Debug {
		o.logger, err = zap.NewDevelopment()
	} else {
		o.logger, err = zap.NewProduction()
	}
	return err
}

func (o *ServeOptions) Validate() error {
	if len(o.cfg.Views) == 0 {
		return fmt.Errorf("no usable views configured")
	}
	return nil
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := o.logger
	defer func() { _ = logger.Sync() }()

	srv := server.New(o.cfg, logger.Named("server"))

	var store *adapter.Store
	onFrame := srv.OnFrame

	var p *pool.Pool
	if o.cfg.StateFile != "" {
		var err error
		store, err = adapter.NewStore(o.cfg.StateFile, logger.Named("adapter"), adapter.Commands{
			SetActiveView: func(viewID string) {
				o.cfg.SetDefaultView(viewID)
				logger.Info("active view changed", zap.String("view", viewID))
			},
			CaptureNow: func() {
				if id := o.cfg.DefaultViewID(); id != "" {
					p.CaptureNow(id)
				}
			},
			ReloadNow: func() {
				if id := o.cfg.DefaultViewID(); id != "" {
					p.ReloadNow(id)
				}
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialise adapter state: %w", err)
		}
		onFrame = func(f frame.Frame, viewID string) {
			srv.OnFrame(f, viewID)
			store.RecordFrame(f.ETag, f.TS)
		}
	}

	p = pool.New(o.cfg, logger.Named("pool"), onFrame)
	srv.AttachPool(p)

	addr := net.JoinHostPort(o.cfg.ListenHost, strconv.Itoa(o.cfg.ListenPort))
	logger.Info("listening", zap.String("addr", addr), zap.Int("views", len(o.cfg.Views)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(p.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(srv.ListenAndServe(gctx, addr)) })
	if store != nil {
		g.Go(func() error { return ignoreCancel(store.Watch(gctx)) })
	}

	err := g.Wait()
	if store != nil {
		store.SetConnected(false)
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
