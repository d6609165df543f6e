// Package kernel bootstraps the system: it owns the singletons -
// physical memory, the machine, the swap store, the VM system, and the
// process table - and wires them together in dependency order.
package kernel

import (
	"fmt"
	"time"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/klog"
	"github.com/CS161/tapiros/limits"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/proc"
	"github.com/CS161/tapiros/swap"
	"github.com/CS161/tapiros/tlb"
	"github.com/CS161/tapiros/vm"
)

// Params_t configures bootstrap.
type Params_t struct {
	Rampages   int
	Swappages  int
	Ncpus      int
	SwapPath   string
	DaemonTick time.Duration
}

// Defaults returns the standard test machine: 64 MiB of RAM, 4 MiB of
// swap, two CPUs.
func Defaults() Params_t {
	return Params_t{
		Rampages:   64 << 20 / mem.PGSIZE,
		Swappages:  4 << 20 / mem.PGSIZE,
		Ncpus:      2,
		SwapPath:   "swapfile",
		DaemonTick: 10 * time.Millisecond,
	}
}

// System_t owns the kernel's global state.
type System_t struct {
	Phys    *mem.Physmem_t
	Machine *tlb.Machine_t
	Swap    *swap.Swap_t
	Vm      *vm.Vm_t
	Lim     *limits.Syslimit_t
	Ptable  *proc.Ptable_t
}

// Boot brings the system up in dependency order: physical memory, the
// machine and its interrupt fabric, the swap store, the core map, and
// finally the paging daemon.
func Boot(p Params_t) (*System_t, error) {
	log := klog.With("sub", "boot")

	sys := &System_t{}
	sys.Phys = mem.Phys_init(p.Rampages)
	sys.Lim = limits.MkSyslimit(p.Rampages)

	sys.Machine = tlb.Mkmachine(p.Ncpus)
	sys.Machine.Start()

	sw, err := swap.Mkswap(p.SwapPath, p.Swappages)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	sys.Swap = sw

	sys.Vm = vm.Mkvm(sys.Phys, sys.Swap, sys.Machine, sys.Lim)
	sys.Ptable = proc.MkPtable(sys.Lim)

	sys.Vm.Startpagedaemon(p.DaemonTick)

	log.Info("booted", "rampages", p.Rampages, "swappages", p.Swappages,
		"cpus", p.Ncpus, "frames", sys.Vm.Ncmes())
	return sys, nil
}

// Halt stops background activity and closes the swap store.
func (sys *System_t) Halt() error {
	sys.Vm.Stoppagedaemon()
	sys.Machine.Stop()
	return sys.Swap.Close()
}

// Fault is the trap entry's view of the VM system: it validates that a
// current process with an address space exists, then dispatches to the
// fault handler on the given CPU.
func (sys *System_t) Fault(cpu *tlb.Cpu_t, p *proc.Proc_t, ft defs.Fault_t, vaddr uint32) defs.Err_t {
	if p == nil || p.As == nil {
		return defs.EFAULT
	}
	return sys.Vm.Fault(cpu, p.As, ft, vaddr)
}
