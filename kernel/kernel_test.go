package kernel

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/mem"
	"github.com/CS161/tapiros/vm"
)

func boot(t *testing.T, rampages, swappages, ncpus int) *System_t {
	t.Helper()
	p := Defaults()
	p.Rampages = rampages
	p.Swappages = swappages
	p.Ncpus = ncpus
	p.SwapPath = filepath.Join(t.TempDir(), "swapfile")
	p.DaemonTick = time.Millisecond
	sys, err := Boot(p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := sys.Halt(); err != nil {
			t.Errorf("halt: %v", err)
		}
	})
	return sys
}

func TestBootAndFault(t *testing.T) {
	sys := boot(t, 1024, 256, 2)
	cpu := sys.Machine.Cpu(0)

	p, errc := sys.Ptable.Mkproc()
	if errc != 0 {
		t.Fatalf("mkproc: %v", errc)
	}
	defer p.Exit(sys.Vm)

	if errc := sys.Vm.As_define_region(p.As, 0x40_0000, 16*uint32(mem.PGSIZE), true, true, true); errc != 0 {
		t.Fatalf("define region: %v", errc)
	}
	sp := sys.Vm.As_define_stack(p.As)
	vm.As_activate(cpu)

	if errc := sys.Fault(cpu, p, defs.FAULT_WRITE, sp-4); errc != 0 {
		t.Fatalf("stack fault: %v", errc)
	}
	if errc := sys.Fault(cpu, p, defs.FAULT_READONLY, sp-4); errc != 0 {
		t.Fatalf("dirty fault: %v", errc)
	}

	// trap-entry validation
	if errc := sys.Fault(cpu, nil, defs.FAULT_READ, sp-4); errc != defs.EFAULT {
		t.Fatalf("fault with no process: %v", errc)
	}
}

func TestMenuCoremap(t *testing.T) {
	sys := boot(t, 32, 64, 1)

	var out strings.Builder
	sys.Menu(strings.NewReader("cm\nq\n"), &out)

	s := out.String()
	if !strings.Contains(s, "Kernel Pages:") || !strings.Contains(s, "Total Pages:") {
		t.Fatalf("cm output missing counts:\n%s", s)
	}
	if !strings.Contains(s, "Swap is properly zeroed.") {
		t.Fatalf("cm output missing swap check:\n%s", s)
	}
}

func TestMenuStats(t *testing.T) {
	sys := boot(t, 32, 64, 1)
	var out strings.Builder
	sys.Menu(strings.NewReader("sd\nbogus\nq\n"), &out)
	s := out.String()
	if !strings.Contains(s, "Nwrites") {
		t.Fatalf("sd output missing counters:\n%s", s)
	}
	if !strings.Contains(s, "unknown command") {
		t.Fatalf("bad command not reported:\n%s", s)
	}
}

// End to end under pressure: several processes fault, dirty, fork, and
// exit while the paging daemon runs.
func TestSystemStress(t *testing.T) {
	sys := boot(t, 64, 2048, 4)

	var eg errgroup.Group
	for g := 0; g < 4; g++ {
		g := g
		eg.Go(func() error {
			cpu := sys.Machine.Cpu(g)
			p, errc := sys.Ptable.Mkproc()
			if errc != 0 {
				return fmt.Errorf("mkproc: %v", errc)
			}
			for k := uint32(0); k < 30; k++ {
				va := vm.USERSTACK - (k+1)*uint32(mem.PGSIZE)
				if errc := sys.Fault(cpu, p, defs.FAULT_WRITE, va); errc != 0 {
					return fmt.Errorf("fault: %v", errc)
				}
				if errc := sys.Fault(cpu, p, defs.FAULT_READONLY, va); errc != 0 {
					return fmt.Errorf("dirty fault: %v", errc)
				}
			}
			child, errc := p.Fork(sys.Vm)
			if errc != 0 {
				return fmt.Errorf("fork: %v", errc)
			}
			child.Exit(sys.Vm)
			p.Exit(sys.Vm)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := sys.Vm.Cmcounts().User; got != 0 {
		t.Fatalf("%v user pages leaked", got)
	}
	if sys.Swap.Nswap() != 0 {
		t.Fatalf("%v swap slots leaked", sys.Swap.Nswap())
	}
}
