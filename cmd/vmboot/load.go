package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmboot/internal/config"
	"github.com/tinyrange/vmboot/internal/guestmem"
	"github.com/tinyrange/vmboot/internal/linux/boot"
	"github.com/tinyrange/vmboot/internal/machine"
)

// progressThreshold is the smallest image that gets a progress bar.
const progressThreshold = 8 << 20

func isTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// readImage reads a kernel or initrd, showing progress for large files when
// stderr is a terminal.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, info.Size()))
	var w io.Writer = buf
	if info.Size() >= progressThreshold && isTerminal(os.Stderr) {
		bar := progressbar.DefaultBytes(info.Size(), "read "+filepath.Base(path))
		defer bar.Close()
		w = io.MultiWriter(buf, bar)
	}
	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func loadMachine(path string) (*machine.Config, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return f.Machine(readImage)
}

// bringUp runs the full sequence into freshly allocated guest memory. The
// caller closes the returned memory.
func bringUp(ctx context.Context, cfg *machine.Config) (*boot.Result, *guestmem.Memory, error) {
	l, err := boot.PlanMemory(cfg)
	if err != nil {
		return nil, nil, err
	}
	mem, err := guestmem.ForLayout(l)
	if err != nil {
		return nil, nil, err
	}
	res, err := boot.BringUp(ctx, cfg, mem, nil)
	if err != nil {
		mem.Close()
		return nil, nil, err
	}
	return res, mem, nil
}
