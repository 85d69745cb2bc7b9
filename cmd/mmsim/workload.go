package main

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/nassro199/Horizon-sub003/kernel/cpu"
	"github.com/nassro199/Horizon-sub003/kernel/kmain"
	"github.com/nassro199/Horizon-sub003/kernel/mm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

// patternFS serves file pages whose contents are derived from the file
// handle and the page offset.
type patternFS struct{}

func (patternFS) ReadPage(file vmm.FileHandle, offset uint64, dst []byte) error {
	filePage(file, offset, dst)
	return nil
}

func filePage(file vmm.FileHandle, offset uint64, dst []byte) {
	for i := 0; i+8 <= len(dst); i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], uint64(file)<<32^(offset+uint64(i)))
	}
}

type workloadOptions struct {
	Spaces int
	Pages  int
	Rounds int
	Seed   int64
}

type workloadResult struct {
	Spaces   int `json:"spaces"`
	Writes   int `json:"writes"`
	Reads    int `json:"reads"`
	Verified int `json:"verified"`
	Forks    int `json:"forks"`
}

// workload creates address spaces with an anonymous and a file-backed
// region each and touches them from every processor. Every read is checked
// against the last value written, so pages that were swapped out or
// migrated in between must come back intact.
type workload struct {
	k    *kmain.Kernel
	opts workloadOptions
	rnd  *rand.Rand

	spaces  []*vmm.AddressSpace
	anon    []vmm.Region
	files   []vmm.Region
	handles []vmm.FileHandle

	// last holds the value last written to every anonymous page.
	last   [][]byte
	result workloadResult
}

func newWorkload(k *kmain.Kernel, opts workloadOptions) *workload {
	return &workload{k: k, opts: opts, rnd: rand.New(rand.NewSource(opts.Seed))}
}

func (w *workload) setup() error {
	length := uintptr(w.opts.Pages) * mm.PageSize

	for i := 0; i < w.opts.Spaces; i++ {
		as, err := w.k.VMM.NewAddressSpace()
		if err != nil {
			return err
		}

		anon, err := as.Map(0, length, vmm.ProtRead|vmm.ProtWrite, vmm.Anonymous(), 0)
		if err != nil {
			return errors.Wrapf(err, "space %d: anonymous region", i)
		}

		handle := vmm.FileHandle(i + 1)
		file, err := as.Map(0, length, vmm.ProtRead, vmm.FileBacked(handle, 0), 0)
		if err != nil {
			return errors.Wrapf(err, "space %d: file region", i)
		}

		w.spaces = append(w.spaces, as)
		w.anon = append(w.anon, anon)
		w.files = append(w.files, file)
		w.handles = append(w.handles, handle)
		w.last = append(w.last, make([]byte, w.opts.Pages))
	}

	w.result.Spaces = len(w.spaces)
	return nil
}

func (w *workload) pickCPU() cpu.ID {
	return cpu.ID(w.rnd.Intn(w.k.CPUs.Count()))
}

// round writes a random subset of the anonymous pages and reads back both
// regions of every address space.
func (w *workload) round(n int) error {
	for i, as := range w.spaces {
		for page := 0; page < w.opts.Pages; page++ {
			if w.rnd.Intn(2) == 0 {
				continue
			}

			value := byte(n*31 + page + 1)
			addr := w.anon[i].Start + uintptr(page)*mm.PageSize
			if err := as.Write(w.pickCPU(), addr, bytes.Repeat([]byte{value}, 64)); err != nil {
				return errors.Wrapf(err, "space %d page %d: write", as.ID(), page)
			}
			w.last[i][page] = value
			w.result.Writes++
		}

		if err := w.verify(i); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) verify(i int) error {
	var (
		as   = w.spaces[i]
		buf  = make([]byte, 64)
		want = make([]byte, mm.PageSize)
	)

	for page := 0; page < w.opts.Pages; page++ {
		addr := w.anon[i].Start + uintptr(page)*mm.PageSize
		if err := as.Read(w.pickCPU(), addr, buf); err != nil {
			return errors.Wrapf(err, "space %d page %d: read", as.ID(), page)
		}
		w.result.Reads++
		if !bytes.Equal(buf, bytes.Repeat([]byte{w.last[i][page]}, len(buf))) {
			return errors.Errorf("space %d page %d: read %x, expected %x", as.ID(), page, buf[0], w.last[i][page])
		}
		w.result.Verified++

		offset := uint64(page) * uint64(mm.PageSize)
		addr = w.files[i].Start + uintptr(page)*mm.PageSize
		if err := as.Read(w.pickCPU(), addr, buf); err != nil {
			return errors.Wrapf(err, "space %d file page %d: read", as.ID(), page)
		}
		w.result.Reads++
		filePage(w.handles[i], offset, want)
		if !bytes.Equal(buf, want[:len(buf)]) {
			return errors.Errorf("space %d file page %d: unexpected contents", as.ID(), page)
		}
		w.result.Verified++
	}
	return nil
}

// fork duplicates the first address space and checks that the child sees
// the parent's anonymous pages.
func (w *workload) fork() error {
	if len(w.spaces) == 0 {
		return nil
	}

	child, err := w.spaces[0].Fork(w.pickCPU())
	if err != nil {
		return errors.Wrap(err, "fork")
	}
	w.result.Forks++

	w.spaces = append(w.spaces, child)
	w.anon = append(w.anon, w.anon[0])
	w.files = append(w.files, w.files[0])
	w.handles = append(w.handles, w.handles[0])
	w.last = append(w.last, append([]byte(nil), w.last[0]...))
	return w.verify(len(w.spaces) - 1)
}

func (w *workload) run() (workloadResult, error) {
	if err := w.setup(); err != nil {
		return w.result, err
	}

	for n := 0; n < w.opts.Rounds; n++ {
		if err := w.round(n); err != nil {
			return w.result, err
		}
		if n == 0 {
			if err := w.fork(); err != nil {
				return w.result, err
			}
		}
		w.k.Monitor.Tick(time.Now())
		if w.k.NUMA.Nodes() > 1 {
			w.k.Balancer.Balance()
		}
	}
	return w.result, nil
}
