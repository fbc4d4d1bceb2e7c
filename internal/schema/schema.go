// Package schema describes the command tree for machine consumers.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Aliases     []string        `json:"aliases,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Inherited   []FlagSchema    `json:"inherited_flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Build describes the command at commandPath below root, or root itself for
// an empty path.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		idx := slices.IndexFunc(cmd.Commands(), func(c *cobra.Command) bool {
			return c.Name() == part || slices.Contains(c.Aliases, part)
		})
		if idx < 0 {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = cmd.Commands()[idx]
	}
	return describe(cmd), nil
}

func describe(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:      strings.TrimSpace(cmd.CommandPath()),
		Use:       cmd.Use,
		Short:     cmd.Short,
		Aliases:   cmd.Aliases,
		Flags:     flags(cmd.NonInheritedFlags()),
		Inherited: flags(cmd.InheritedFlags()),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, describe(sub))
	}
	return s
}

func flags(set *pflag.FlagSet) []FlagSchema {
	var items []FlagSchema
	set.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	return items
}
