// Command tapiros boots the simulated kernel and drops into the test
// menu.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/CS161/tapiros/kernel"
	"github.com/CS161/tapiros/klog"
	"github.com/CS161/tapiros/mem"
)

func main() {
	rammb := flag.Int("ram", 64, "physical memory in MiB")
	swapmb := flag.Int("swap", 4, "swap store size in MiB")
	ncpus := flag.Int("cpus", 2, "number of CPUs")
	swapfile := flag.String("swapfile", "", "swap backing file (default: temp file)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		klog.Level.Set(slog.LevelDebug)
	}

	p := kernel.Defaults()
	p.Rampages = *rammb << 20 / mem.PGSIZE
	p.Swappages = *swapmb << 20 / mem.PGSIZE
	p.Ncpus = *ncpus
	if *swapfile != "" {
		p.SwapPath = *swapfile
	} else {
		dir, err := os.MkdirTemp("", "tapiros")
		if err != nil {
			fmt.Fprintf(os.Stderr, "tapiros: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		p.SwapPath = filepath.Join(dir, "swapfile")
	}

	sys, err := kernel.Boot(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tapiros: %v\n", err)
		os.Exit(1)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		sys.Menu(os.Stdin, os.Stdout)
	} else {
		// non-interactive: dump core map state and exit
		sys.Vm.Print_core_map(os.Stdout)
	}

	if err := sys.Halt(); err != nil {
		fmt.Fprintf(os.Stderr, "tapiros: halt: %v\n", err)
		os.Exit(1)
	}
}
