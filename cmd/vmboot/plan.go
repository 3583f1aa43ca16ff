package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/linux/boot"
)

type planOptions struct {
	registers bool
	memDump   string
	timings   string
}

func newPlanCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan [config]",
		Short: "Run bring-up into scratch memory and print the result",
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

			out := cmd.OutOrStdout()
			if err := printResult(out, res, opts.registers, isTerminal(os.Stdout)); err != nil {
				return err
			}

			if opts.memDump != "" {
				if err := writeFile(opts.memDump, mem.WriteTo); err != nil {
					return fmt.Errorf("dump memory: %w", err)
				}
			}
			if opts.timings != "" {
				if err := writeFile(opts.timings, res.Timings.WriteTo); err != nil {
					return fmt.Errorf("write timings: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&opts.registers, "registers", "r", false, "print every initial register")
	cmd.Flags().StringVar(&opts.memDump, "dump", "", "write the populated guest memory to this file")
	cmd.Flags().StringVar(&opts.timings, "timings", "", "write phase timings to this file")
	return cmd
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "vmboot.yaml"
}

func writeFile(path string, fn func(io.Writer) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printResult(w io.Writer, res *boot.Result, registers, bold bool) error {
	fmt.Fprintf(w, "%s\n\n", res.Layout)

	regions := newTable("REGION", "PURPOSE", "BASE", "END", "SIZE")
	for _, r := range res.Layout.Regions() {
		regions.add(r.Name, r.Purpose, r.Base, r.End(), fmt.Sprintf("%#x", r.Size))
	}
	if err := regions.write(w, bold); err != nil {
		return err
	}

	if devs := res.Layout.Devices(); len(devs) > 0 {
		fmt.Fprintln(w)
		t := newTable("DEVICE", "KIND", "BASE", "SIZE", "IRQ")
		for _, d := range devs {
			t.add(d.Device.Name, d.Device.Kind, d.Region.Base, fmt.Sprintf("%#x", d.Region.Size), d.IRQ)
		}
		if err := t.write(w, bold); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\nboot: %s\n\n", res.Info)

	tables := newTable("TABLE", "KIND", "REV", "ADDRESS", "LENGTH")
	for _, t := range res.Tables.Tables {
		tables.add(t.Name, t.Kind, t.Revision, t.Address, len(t.Data))
	}
	if err := tables.write(w, bold); err != nil {
		return err
	}

	fmt.Fprintln(w)
	for _, s := range res.Vcpus {
		fmt.Fprintf(w, "%s state=%s\n", s, s.MPState())
		if !registers {
			continue
		}
		for _, e := range s.Registers() {
			if e.Register == hv.RegisterMPState {
				continue
			}
			fmt.Fprintf(w, "  %-10s %s\n", e.Register, formatValue(e.Value))
		}
	}

	fmt.Fprintln(w)
	timings := newTable("PHASE", "FLAGS", "DURATION")
	for _, t := range res.Timings.Totals() {
		timings.add(t.Name, t.Flags, t.Duration)
	}
	if err := timings.write(w, bold); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nfingerprint %s\n", res.Hash)
	return err
}

func formatValue(v hv.RegisterValue) string {
	switch v := v.(type) {
	case hv.Register64:
		return fmt.Sprintf("%#016x", uint64(v))
	case hv.Segment:
		return fmt.Sprintf("sel=%#04x base=%#x limit=%#x type=%d l=%d db=%d", v.Selector, v.Base, v.Limit, v.Type, v.L, v.DB)
	default:
		return fmt.Sprint(v)
	}
}
