package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("vmboot %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	kernel := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 1024)
	if err := os.WriteFile(filepath.Join(dir, "Image"), kernel, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := `arch: riscv64
memory: 128MiB
cpus: 2
kernel: Image
cmdline: console=ttyS0 earlycon=sbi
devices:
  - name: blk0
    kind: virtio-mmio
`
	path := filepath.Join(dir, "vmboot.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlanTablesInspect(t *testing.T) {
	cfgPath := writeConfig(t)
	dir := t.TempDir()
	timings := filepath.Join(dir, "timings.bin")

	out := run(t, "plan", "--registers", "--timings", timings, cfgPath)
	for _, want := range []string{"REGION", "blk0", "protocol=flat", "fdt", "vcpu1", "pc", "build_tables", "fingerprint "} {
		if !strings.Contains(out, want) {
			t.Fatalf("plan output missing %q:\n%s", want, out)
		}
	}

	out = run(t, "timings", timings)
	if !strings.Contains(out, "encode_boot") {
		t.Fatalf("timings output:\n%s", out)
	}

	tables := filepath.Join(dir, "tables")
	run(t, "tables", "-o", tables, cfgPath)
	dtb := filepath.Join(tables, "fdt.dtb")
	if _, err := os.Stat(dtb); err != nil {
		t.Fatalf("tables did not write the device tree: %v", err)
	}

	out = run(t, "inspect", dtb)
	for _, want := range []string{"/chosen", `bootargs = "console=ttyS0 earlycon=sbi";`, "/cpus/cpu@1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestTrace(t *testing.T) {
	cfgPath := writeConfig(t)
	trace := filepath.Join(t.TempDir(), "trace.bin")

	run(t, "--trace", trace, "plan", cfgPath)

	out := run(t, "trace", trace)
	if !strings.Contains(out, "[layout]") {
		t.Fatalf("trace output:\n%s", out)
	}
}

func TestFlagsAreLocalToEachRun(t *testing.T) {
	cfgPath := writeConfig(t)
	timings := filepath.Join(t.TempDir(), "timings.bin")

	run(t, "plan", "--timings", timings, cfgPath)
	if err := os.Remove(timings); err != nil {
		t.Fatalf("first run did not write timings: %v", err)
	}

	run(t, "plan", cfgPath)
	if _, err := os.Stat(timings); !os.IsNotExist(err) {
		t.Fatalf("second run reused --timings from the first: %v", err)
	}
}
