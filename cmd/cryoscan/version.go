package main

import (
	"github.com/spf13/cobra"

	"github.com/cryoscan/cryoscan/pkg/client"
	"github.com/cryoscan/cryoscan/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
			if !remote {
				return nil
			}
			v, err := client.NewClient(socketPath).Version()
			if err != nil {
				return err
			}
			cmd.Printf("run: %s\n", v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "run", false, "also print the version of the monitored run")

	return cmd
}
