package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/mxbridge/internal/browser"
	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
	"github.com/tomasbasham/mxbridge/internal/storage"
)

type ShotOptions struct {
	cfg *config.Config
	url string

	ConfigPath string
	URL        string
	OutDir     string
	GCSBucket  string
	SettleMs   int

	iooption.IOStreams
}

var (
	shotLong = templates.LongDesc(`
		Render a view once and store the resulting PNG frame as an artefact,
		either under a local directory or in a GCS bucket with a signed URL.`)

	shotExample = templates.Examples(`
		# Render the view "kitchen" from the config file to the current directory
		mxbridge shot --config config.yaml kitchen

		# Render an ad-hoc URL into a bucket
		mxbridge shot --url http://dashboard.local/vis/index.html --bucket my-frames`)
)

func NewShotOptions(streams iooption.IOStreams) *ShotOptions {
	return &ShotOptions{
		IOStreams: streams,
	}
}

func NewShotCommand(o *ShotOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "shot [viewId]",
		DisableFlagsInUseLine: true,
		Short:                 "Render a view once to a PNG artefact",
		Long:                  shotLong,
		Example:               shotExample,
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

	pflags := cmd.PersistentFlags()

	pflags.StringVarP(&o.ConfigPath, "config", "c", "", "Path to the YAML config file")
	pflags.StringVar(&o.URL, "url", "", "Ad-hoc URL to render instead of a configured view")
	pflags.StringVarP(&o.OutDir, "out", "o", ".", "Directory for the artefact")
	pflags.StringVarP(&o.GCSBucket, "bucket", "b", "", "GCS bucket for the artefact (overrides --out)")
	pflags.IntVar(&o.SettleMs, "settle", 500, "Milliseconds to let the page settle before capture")

	return cmd
}

func (o *ShotOptions) Complete(cmd *cobra.Command, args []string) error {
	if o.ConfigPath != "" {
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	} else {
		cfg := config.Default()
		cfg.Normalize()
		o.cfg = &cfg
	}

	switch {
	case o.URL != "":
		o.url = o.URL
	case len(args) > 0:
		view, ok := o.cfg.ViewByID(args[0])
		if !ok {
			return fmt.Errorf("view %q is not configured", args[0])
		}
		o.url = view.URL
	default:
		view, ok := o.cfg.ViewByID(o.cfg.DefaultViewID())
		if !ok {
			return fmt.Errorf("no view given and no default view configured")
		}
		o.url = view.URL
	}
	return nil
}

func (o *ShotOptions) Validate() error {
	if o.url == "" {
		return fmt.Errorf("nothing to render")
	}
	return nil
}

func (o *ShotOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zap.NewNop()

	var writer storage.Writer
	var err error
	if o.GCSBucket != "" {
		writer, err = storage.NewGCSWriter(ctx, o.GCSBucket)
		if err != nil {
			return fmt.Errorf("failed to initialise GCS writer: %w", err)
		}
	} else {
		writer, err = storage.NewLocalWriter(o.OutDir)
		if err != nil {
			return fmt.Errorf("failed to initialise local writer: %w", err)
		}
	}

	fmt.Fprintf(o.Out, "Rendering %s...\n", o.url)

	b, err := browser.Launch(ctx, o.cfg.CanvasWidth, o.cfg.CanvasHeight, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	page, err := b.NewPage()
	if err != nil {
		return err
	}
	defer page.Close()

	if err := page.Navigate(o.url); err != nil {
		return err
	}

	select {
	case <-time.After(time.Duration(o.SettleMs) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := page.WaitPaint(); err != nil {
		return err
	}

	png, err := page.Screenshot()
	if err != nil {
		return err
	}

	now := time.Now()
	f := frame.New(png, now)
	name := fmt.Sprintf("frames/%s/frame_%s.png", now.UTC().Format("2006/01/02"), now.UTC().Format("20060102_150405.000"))

	obj, err := writer.Write(ctx, name, "image/png", bytes.NewReader(png))
	if err != nil {
		return fmt.Errorf("failed to store frame: %w", err)
	}

	fmt.Fprintf(o.Out, "Stored %s (etag %s)\n", obj.URL, f.ETag)
	return nil
}
