// Package config reads and writes the YAML description of a VM and turns it
// into a machine.Config.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmboot/internal/hv"
	"github.com/tinyrange/vmboot/internal/linux/boot"
	"github.com/tinyrange/vmboot/internal/machine"
)

const (
	DefaultFilename = "vmboot.yaml"

	defaultMemory  = 256 << 20
	defaultCmdline = "console=ttyS0"
)

// File is the on-disk VM description. Paths are relative to the directory
// holding the file.
type File struct {
	Version int    `yaml:"version"`
	Arch    string `yaml:"arch"`
	Memory  Size   `yaml:"memory"`
	CPUs    int    `yaml:"cpus"`

	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline"`

	// Initramfs builds an initrd from individual files instead of Initrd.
	Initramfs []InitramfsEntry `yaml:"initramfs,omitempty"`

	// GIC is "v2", "v3" or empty for the default. aarch64 only.
	GIC      string   `yaml:"gic,omitempty"`
	Features Features `yaml:"features,omitempty"`
	Devices  []Device `yaml:"devices,omitempty"`

	dir string
}

type Features struct {
	DebugStub   bool `yaml:"debugStub,omitempty"`
	PowerEvents bool `yaml:"powerEvents,omitempty"`
}

type Device struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Slot is the PCI device number.
	Slot uint32 `yaml:"slot,omitempty"`
	Size Size   `yaml:"size,omitempty"`
}

type InitramfsEntry struct {
	Path string `yaml:"path"`
	Mode Mode   `yaml:"mode,omitempty"`
	// Source is a host file copied into the archive. Directories have
	// neither Source nor Link.
	Source string `yaml:"source,omitempty"`
	Link   string `yaml:"link,omitempty"`
	Dir    bool   `yaml:"dir,omitempty"`
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = 1
	}
	if arch, err := hv.ParseArchitecture(f.Arch); err == nil {
		f.Arch = string(arch)
	}
	if f.Memory == 0 {
		f.Memory = defaultMemory
	}
	if f.CPUs == 0 {
		f.CPUs = 1
	}
	if f.Cmdline == "" {
		f.Cmdline = defaultCmdline
	}
	for i := range f.Initramfs {
		if f.Initramfs[i].Mode == 0 {
			if f.Initramfs[i].Dir {
				f.Initramfs[i].Mode = 0o755
			} else {
				f.Initramfs[i].Mode = 0o644
			}
		}
	}
}

// Validate checks the parts of the file that do not need the host
// filesystem. Architecture limits are left to bring-up.
func (f *File) Validate() error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported config version %d", f.Version)
	}
	if _, err := hv.ParseArchitecture(f.Arch); err != nil {
		return err
	}
	if f.Kernel == "" {
		return fmt.Errorf("kernel is required")
	}
	if f.Initrd != "" && len(f.Initramfs) > 0 {
		return fmt.Errorf("initrd and initramfs are mutually exclusive")
	}
	if _, err := parseGIC(f.GIC); err != nil {
		return err
	}
	for _, d := range f.Devices {
		if d.Name == "" {
			return fmt.Errorf("device without a name")
		}
		if _, err := hv.ParseDeviceKind(d.Kind); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	for _, e := range f.Initramfs {
		set := 0
		for _, b := range []bool{e.Source != "", e.Link != "", e.Dir} {
			if b {
				set++
			}
		}
		if e.Path == "" || set != 1 {
			return fmt.Errorf("initramfs entry %q needs exactly one of source, link or dir", e.Path)
		}
	}
	return nil
}

func parseGIC(s string) (machine.GICVersion, error) {
	switch s {
	case "":
		return machine.GICDefault, nil
	case "v2", "gicv2":
		return machine.GICv2, nil
	case "v3", "gicv3":
		return machine.GICv3, nil
	}
	return 0, fmt.Errorf("unknown GIC version %q", s)
}

// Parse decodes a config held in memory. Relative paths resolve against dir.
func Parse(data []byte, dir string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	f.dir = dir
	return &f, nil
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Save writes f as YAML to path.
func Save(path string, f *File) error {
	out := *f
	out.normalize()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	enc := yaml.NewEncoder(file)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// ReadFunc loads a host file named in the config.
type ReadFunc func(path string) ([]byte, error)

func (f *File) resolve(p string) string {
	if filepath.IsAbs(p) || f.dir == "" {
		return p
	}
	return filepath.Join(f.dir, p)
}

// Machine reads the referenced images with read (os.ReadFile when nil) and
// builds the bring-up configuration.
func (f *File) Machine(read ReadFunc) (*machine.Config, error) {
	if read == nil {
		read = os.ReadFile
	}
	arch, err := hv.ParseArchitecture(f.Arch)
	if err != nil {
		return nil, err
	}
	gic, err := parseGIC(f.GIC)
	if err != nil {
		return nil, err
	}

	cfg := &machine.Config{
		Arch:       arch,
		MemorySize: uint64(f.Memory),
		VcpuCount:  f.CPUs,
		Cmdline:    f.Cmdline,
		GIC:        gic,
		Features: machine.Features{
			DebugStub:   f.Features.DebugStub,
			PowerEvents: f.Features.PowerEvents,
		},
	}
	if cfg.Kernel, err = read(f.resolve(f.Kernel)); err != nil {
		return nil, fmt.Errorf("read kernel: %w", err)
	}
	switch {
	case f.Initrd != "":
		if cfg.Initrd, err = read(f.resolve(f.Initrd)); err != nil {
			return nil, fmt.Errorf("read initrd: %w", err)
		}
	case len(f.Initramfs) > 0:
		if cfg.Initrd, err = f.buildInitramfs(read); err != nil {
			return nil, err
		}
	}

	for _, d := range f.Devices {
		kind, err := hv.ParseDeviceKind(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		cfg.Devices = append(cfg.Devices, hv.DeviceDescriptor{
			Name:       d.Name,
			Kind:       kind,
			BusAddress: d.Slot,
			MMIOSize:   uint64(d.Size),
		})
	}
	return cfg, nil
}

func (f *File) buildInitramfs(read ReadFunc) ([]byte, error) {
	files := make([]boot.InitFile, 0, len(f.Initramfs))
	for _, e := range f.Initramfs {
		file := boot.InitFile{Path: e.Path, Mode: fs.FileMode(e.Mode)}
		switch {
		case e.Dir:
			file.Mode |= fs.ModeDir
		case e.Link != "":
			file.Mode |= fs.ModeSymlink
			file.Target = e.Link
		default:
			data, err := read(f.resolve(e.Source))
			if err != nil {
				return nil, fmt.Errorf("read initramfs source for %s: %w", e.Path, err)
			}
			file.Data = data
		}
		files = append(files, file)
	}
	img, err := boot.BuildInitramfs(files)
	if err != nil {
		return nil, fmt.Errorf("build initramfs: %w", err)
	}
	return img, nil
}
