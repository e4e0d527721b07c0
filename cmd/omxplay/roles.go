package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/realtime-ai/omxil/pkg/component"
)

func NewRolesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the registered roles and the components providing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry()
			if err != nil {
				return err
			}
			printRoles(cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

func printRoles(w io.Writer, reg *component.Registry) {
	roleColor := color.New(color.FgCyan)
	nameColor := color.New(color.Faint)
	for _, role := range reg.Roles() {
		name, _ := reg.ComponentOf(role)
		fmt.Fprintf(w, "%s %s\n", roleColor.Sprintf("%-28s", role), nameColor.Sprint(name))
	}
}
