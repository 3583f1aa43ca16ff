package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmboot/internal/debug"
	"github.com/tinyrange/vmboot/internal/timeslice"
)

var errLimit = errors.New("limit reached")

type traceOptions struct {
	sources []string
	match   string
	limit   int
}

func newTraceCmd() *cobra.Command {
	var opts traceOptions
	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Print a binary debug trace written with --trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var match *regexp.Regexp
			if opts.match != "" {
				re, err := regexp.Compile(opts.match)
				if err != nil {
					return fmt.Errorf("invalid -match: %w", err)
				}
				match = re
			}

			out := cmd.OutOrStdout()
			n := 0
			err := debug.EachFile(args[0], opts.sources, func(e debug.Entry) error {
				msg := string(e.Data)
				if e.Kind == debug.KindBytes {
					msg = fmt.Sprintf("% x", e.Data)
				}
				if match != nil && !match.MatchString(msg) {
					return nil
				}
				if opts.limit > 0 && n == opts.limit {
					return errLimit
				}
				n++
				_, err := fmt.Fprintf(out, "%s [%s] %s\n", e.Time.UTC().Format(time.RFC3339Nano), e.Source, msg)
				return err
			})
			if errors.Is(err, errLimit) {
				fmt.Fprintf(os.Stderr, "stopped after %d entries\n", n)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&opts.sources, "source", nil, "only show these sources")
	cmd.Flags().StringVar(&opts.match, "match", "", "regex to filter messages")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "stop after this many entries (0 for all)")
	return cmd
}

type timingRecord struct {
	id    string
	flags timeslice.SliceFlags
	count int
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (r *timingRecord) add(d time.Duration) {
	r.count++
	r.sum += d
	if r.min == 0 || d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
}

func newTimingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timings <file>",
		Short: "Summarise phase timings written by plan --timings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			records := map[string]*timingRecord{}
			var order []string
			if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, d time.Duration) error {
				r, ok := records[id]
				if !ok {
					order = append(order, id)
					r = &timingRecord{id: id, flags: flags}
					records[id] = r
				}
				r.add(d)
				return nil
			}); err != nil {
				return fmt.Errorf("read timings: %w", err)
			}

			t := newTable("PHASE", "FLAGS", "COUNT", "SUM", "MIN", "MAX")
			for _, id := range order {
				r := records[id]
				t.add(r.id, r.flags, r.count, r.sum, r.min, r.max)
			}
			return t.write(cmd.OutOrStdout(), isTerminal(os.Stdout))
		},
	}
}
