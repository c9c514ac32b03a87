package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		mxbridge renders web dashboard views into a continuous stream of PNG
		frames for small LED-matrix displays, served over HTTP and WebSocket.`)

	rootExamples = templates.Examples(`
		# Run the bridge with a config file
		mxbridge serve --config config.yaml

		# Render a single view once to a local PNG
		mxbridge shot --config config.yaml kitchen`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// BridgeOptions defines the options for the `mxbridge` command.
type BridgeOptions struct {
	iooption.IOStreams
}

// NewBridgeOptions provides an initialised BridgeOptions instance.
func NewBridgeOptions(streams iooption.IOStreams) *BridgeOptions {
	return &BridgeOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `mxbridge` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewBridgeOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `mxbridge` command and its nested
// children.
func NewRootCommandWithArgs(o *BridgeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "mxbridge [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Dashboard-to-LED-matrix rendering bridge",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewServeCommand(NewServeOptions()))
	cmd.AddCommand(NewShotCommand(NewShotOptions(o.IOStreams)))

	// The globlal normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
