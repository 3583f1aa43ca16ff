package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newTablesCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "tables [config]",
		Short: "Write every generated firmware table to a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadMachine(configPath(args))
			if err != nil {
				return err
			}
			res, mem, err := bringUp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer mem.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", outDir, err)
			}
			for _, t := range res.Tables.Tables {
				ext := ".aml"
				if t.Name == "fdt" {
					ext = ".dtb"
				}
				path := filepath.Join(outDir, strings.ToLower(t.Name)+ext)
				if err := os.WriteFile(path, t.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", t.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d bytes\n", path, t.Address, len(t.Data))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "tables", "output directory")
	return cmd
}
