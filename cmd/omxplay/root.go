package main

import (
	"github.com/spf13/cobra"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/plugins"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "omxplay",
		Short:        "Run OpenMAX IL style component graphs",
		SilenceUsage: true,
	}
	cmd.AddCommand(NewRolesCommand(), NewRunCommand())
	return cmd
}

// registry returns a registry holding the bundled components configured
// from the environment.
func registry() (*component.Registry, error) {
	reg := component.NewRegistry()
	if err := plugins.RegisterAll(reg, plugins.ConfigFromEnv()); err != nil {
		return nil, err
	}
	return reg, nil
}
