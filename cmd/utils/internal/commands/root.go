package commands

import (
	"fmt"

	"github.com/aquamarinepk/aqm"
	"github.com/spf13/cobra"
)

const (
	AppName    = "kds-utils"
	AppVersion = "0.2.0"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	HTTPAddr string
	GRPCAddr string
	Token    string
	Format   string
	LogLevel string
}

var ValidFormats = []string{"text", "json"}

func (o *RootOptions) logger() aqm.Logger {
	return aqm.NewLogger(o.LogLevel)
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kds-utils",
		Short: "Operator tools for the kitchen display service",
		Long:  "Follow display streams, fetch snapshots and seed demo tickets against a running kitchen service.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.HTTPAddr, "http", "http://localhost:8086", "kitchen HTTP base URL")
	cmd.PersistentFlags().StringVar(&opts.GRPCAddr, "grpc", "localhost:9096", "kitchen gRPC address")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level")

	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewSeedDemoCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
