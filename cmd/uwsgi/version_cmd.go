package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blue-goji/uwsgi/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var module bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the uwsgi version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && module {
				return errors.New("--short and --module are mutually exclusive")
			}
			var err error
			switch {
			case short:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			case module:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Module())
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&module, "module", false, "print only the module path")
	return cmd
}
