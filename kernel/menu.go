package kernel

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Menu runs the kernel test menu until EOF or 'q'. Commands:
//
//	cm   print core map statistics and check swap bitmap zeroing
//	sd   print swap statistics
//	?    help
func (sys *System_t) Menu(r io.Reader, w io.Writer) {
	in := bufio.NewScanner(r)
	fmt.Fprintf(w, "tapiros kernel menu\n")
	for {
		fmt.Fprintf(w, "menu> ")
		if !in.Scan() {
			return
		}
		switch strings.TrimSpace(in.Text()) {
		case "":
		case "cm":
			sys.Vm.Print_core_map(w)
		case "sd":
			fmt.Fprintf(w, "%s", sys.Swap.Stats())
		case "?", "help":
			fmt.Fprintf(w, "cm - core map statistics\nsd - swap statistics\nq - quit\n")
		case "q":
			return
		default:
			fmt.Fprintf(w, "unknown command; try '?'\n")
		}
	}
}
