package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmboot/internal/fdt"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.dtb>",
		Short: "Dump a flattened device tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			root, reserved, err := fdt.Parse(blob)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range reserved {
				fmt.Fprintf(out, "/memreserve/ %#x %#x;\n", r.Address, r.Size)
			}
			return root.Walk(func(path string, n *fdt.Node) error {
				depth := strings.Count(path, "/")
				if path == "/" {
					depth = 0
				}
				indent := strings.Repeat("  ", depth)
				fmt.Fprintf(out, "%s%s\n", indent, path)

				names := make([]string, 0, len(n.Properties))
				for name := range n.Properties {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "%s  %s = %s;\n", indent, name, n.Properties[name].Format())
				}
				return nil
			})
		},
	}
}
