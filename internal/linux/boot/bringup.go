package boot

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/layout"
	"github.com/tinyrange/vmboot/internal/machine"
	"github.com/tinyrange/vmboot/internal/timeslice"
)

var (
	tsPlanMemory  = timeslice.RegisterKind("plan_memory", timeslice.SliceFlagPure)
	tsPlaceBoot   = timeslice.RegisterKind("place_boot", timeslice.SliceFlagPure)
	tsBuildTables = timeslice.RegisterKind("build_tables", timeslice.SliceFlagGuestWrite)
	tsEncodeBoot  = timeslice.RegisterKind("encode_boot", timeslice.SliceFlagGuestWrite)
	tsInitVcpus   = timeslice.RegisterKind("init_vcpus", timeslice.SliceFlagPure)
	tsLoadVcpus   = timeslice.RegisterKind("load_vcpus", 0)
)

// Result is everything a bring-up run produced.
type Result struct {
	Platform machine.Platform
	Layout   *layout.Layout
	Info     *machine.BootInfo
	Tables   *machine.TableSet
	Vcpus    []*hv.VcpuState

	// Hash fingerprints the layout, boot info, tables and vCPU states.
	Hash    hv.StateHash
	Timings *timeslice.Log
}

// BringUp runs the full sequence for cfg: plan memory, place the boot
// artefacts, write the firmware tables and boot structures into mem, then
// compute every vCPU's initial state in parallel. States are handed to
// loader in index order when loader is non-nil.
//
// Configuration and image errors are all reported before the first write to
// mem. A failure after that aborts immediately; mem is left as it is.
func BringUp(ctx context.Context, cfg *machine.Config, mem hv.GuestMemory, loader hv.VcpuLoader) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := Select(cfg)
	if err != nil {
		return nil, err
	}

	res := &Result{Platform: p, Timings: timeslice.NewLog()}
	rec := res.Timings.NewRecorder()

	if res.Layout, err = p.PlanMemory(); err != nil {
		return nil, fmt.Errorf("plan memory: %w", err)
	}
	rec.Record(tsPlanMemory)
	slog.Debug("memory planned", "arch", p.Architecture(), "regions", res.Layout.Len(), "usable", res.Layout.UsableRAM())

	if res.Info, err = p.PlaceBoot(res.Layout); err != nil {
		return nil, fmt.Errorf("place boot: %w", err)
	}
	rec.Record(tsPlaceBoot)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if res.Tables, err = p.BuildTables(res.Layout, res.Info, mem); err != nil {
		return nil, fmt.Errorf("build tables: %w", err)
	}
	rec.Record(tsBuildTables)

	if err := p.EncodeBoot(res.Layout, res.Info, res.Tables, mem); err != nil {
		return nil, fmt.Errorf("encode boot: %w", err)
	}
	rec.Record(tsEncodeBoot)

	if res.Vcpus, err = initVcpus(ctx, p, res.Layout, res.Info); err != nil {
		return nil, err
	}
	rec.Record(tsInitVcpus)

	if loader != nil {
		for i, s := range res.Vcpus {
			if err := loader.SetRegisters(i, s); err != nil {
				return nil, fmt.Errorf("load vcpu %d: %w", i, err)
			}
		}
		rec.Record(tsLoadVcpus)
	}

	res.Hash = Fingerprint(res)
	slog.Info("bring-up complete",
		"arch", p.Architecture(),
		"protocol", res.Info.Protocol,
		"entry", res.Info.Entry,
		"tables", len(res.Tables.Tables),
		"vcpus", len(res.Vcpus),
		"hash", res.Hash.Short(),
	)
	return res, nil
}

func initVcpus(ctx context.Context, p machine.Platform, l *layout.Layout, info *machine.BootInfo) ([]*hv.VcpuState, error) {
	count := l.VcpuCount()
	states := make([]*hv.VcpuState, count)

	g, ctx := errgroup.WithContext(ctx)
	for i := range count {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := p.InitVcpu(l, info, i, count)
			if err != nil {
				return fmt.Errorf("init vcpu %d: %w", i, err)
			}
			states[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// Fingerprint hashes the deterministic output of a bring-up run.
func Fingerprint(r *Result) hv.StateHash {
	h := hv.NewStateHasher(r.Platform.Architecture())
	h.Section("layout", r.Layout.AppendBinary(nil))
	h.Section("boot", r.Info.AppendBinary(nil))
	h.Section("tables", r.Tables.AppendBinary(nil))
	for _, s := range r.Vcpus {
		h.Section("vcpu", s.AppendBinary(nil))
	}
	return h.Sum()
}
