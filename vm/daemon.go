package vm

import (
	"log/slog"
	"time"

	"github.com/CS161/tapiros/klog"
)

// The paging daemon opportunistically writes dirty, evictable frames to
// their swap slots so that eviction under pressure rarely has to wait
// for disk. It backs off when memory is plentiful or when swap is
// already much larger than RAM, and wakes early when the allocator
// signals pressure.

// Startpagedaemon launches the daemon with the given timer tick.
func (v *Vm_t) Startpagedaemon(tick time.Duration) {
	if v.dstop != nil {
		panic("paging daemon already running")
	}
	v.dstop = make(chan struct{})
	v.ddone = make(chan struct{})
	go v.pagedaemon(tick, klog.With("sub", "pagedaemon"))
}

// Stoppagedaemon stops the daemon and waits for it to exit.
func (v *Vm_t) Stoppagedaemon() {
	if v.dstop == nil {
		return
	}
	close(v.dstop)
	<-v.ddone
	v.dstop = nil
}

func (v *Vm_t) pagedaemon(tick time.Duration, log *slog.Logger) {
	defer close(v.ddone)
	hand := uint32(0)
	for {
		s := v.daemonscan(&hand, log)
		t := time.NewTimer(time.Duration(s) * tick)
		select {
		case <-v.dstop:
			t.Stop()
			return
		case <-v.dkick:
			t.Stop()
		case <-t.C:
		}
	}
}

// daemonscan makes one pass and returns how many ticks to sleep before
// the next. With more than an eighth of memory free it sleeps
// proportionally longer; with swap occupancy more than twice RAM there
// is little point writing more, so it backs off too.
func (v *Vm_t) daemonscan(hand *uint32, log *slog.Logger) uint {
	v.cmsplk.Acquire()
	nfree := v.nfree
	ndirty := v.ndirty
	ncmes := v.ncmes
	v.cmsplk.Release()
	nswap := uint32(v.sw.Nswap())

	if nfree > ncmes/8 {
		return uint(1 + 8*uint64(nfree)/uint64(ncmes))
	}
	if nswap > 2*ncmes {
		return 4
	}

	budget := uint32(uint64(ndirty) * uint64(nswap) / uint64(ncmes))
	if budget > ncmes {
		budget = ncmes
	}
	cleaned := 0

	v.cmsplk.Acquire()
	for n := uint32(0); n < budget; n++ {
		if *hand >= v.ncmes {
			*hand = 0
		}
		cmi := *hand
		*hand = cmi + 1
		cme := &v.cm[cmi]

		if !cme.md.Dirty() || cme.md.Kernel() || cme.md.Busy() ||
			cme.md.Tlb() || cme.va == 0 {
			continue
		}

		// pin the frame, then take the owner's lock in the required
		// order before the copy-out
		cme.md.Setbusy(true)
		as := cme.as
		v.cmsplk.Release()

		as.splk.Acquire()
		v.cmsplk.Acquire()

		// recheck: the world may have moved while we danced
		if cme.as == as && cme.md.Dirty() && !cme.md.Kernel() && !cme.md.Tlb() {
			v.copy_out(as, cmi)
			cleaned++
		} else {
			cme.md.Setbusy(false)
			as.wchan.Wakeall()
		}

		v.cmsplk.Release()
		as.splk.Release()

		v.cmsplk.Acquire()
	}
	v.cmsplk.Release()

	if cleaned > 0 {
		log.Debug("cleaned dirty frames", "count", cleaned, "budget", budget)
	}
	return 1
}
