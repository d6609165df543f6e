package tlb

import (
	"github.com/CS161/tapiros/synch"
)

// Shootdown_t asks a CPU to drop a stale translation. The address-space
// handle rides along for diagnostics; targets match on the old
// entry-high alone.
type Shootdown_t struct {
	Oldentryhi uint32
	As         interface{}
}

// Cpu_t is one simulated processor: its TLB and the channel its
// interprocessor interrupts arrive on.
type Cpu_t struct {
	Id   int
	Tlb  Tlb_t
	ipic chan Shootdown_t
}

// Machine_t owns the CPUs and the shootdown acknowledgement state: a
// count of outstanding invalidations protected by a spinlock, and the
// wait channel initiators block on.
type Machine_t struct {
	cpus    []*Cpu_t
	tssplk  synch.Spinlock_t
	tswchan *synch.Wchan_t
	tscount uint
}

// Mkmachine builds a machine with ncpus processors. Start must be
// called before any shootdown is broadcast.
func Mkmachine(ncpus int) *Machine_t {
	if ncpus < 1 {
		panic("machine needs a cpu")
	}
	m := &Machine_t{}
	m.tswchan = synch.MkWchan("ts_wchan", &m.tssplk)
	for i := 0; i < ncpus; i++ {
		c := &Cpu_t{Id: i, ipic: make(chan Shootdown_t, 4*NTLB)}
		c.Tlb.Reset()
		m.cpus = append(m.cpus, c)
	}
	return m
}

// Ncpu returns the processor count.
func (m *Machine_t) Ncpu() int {
	return len(m.cpus)
}

// Cpu returns processor i.
func (m *Machine_t) Cpu(i int) *Cpu_t {
	return m.cpus[i]
}

// Start spins up each CPU's interrupt service routine.
func (m *Machine_t) Start() {
	for _, c := range m.cpus {
		go m.ipiservice(c)
	}
}

// Stop shuts the interrupt fabric down. No shootdowns may be broadcast
// afterwards.
func (m *Machine_t) Stop() {
	for _, c := range m.cpus {
		close(c.ipic)
	}
}

// ipiservice handles shootdown interrupts for one CPU. If too many
// invalidations have queued up it flushes the whole TLB instead of
// probing one entry at a time.
func (m *Machine_t) ipiservice(c *Cpu_t) {
	for ts := range c.ipic {
		n := 1
		if len(c.ipic) >= TLBSHOOTDOWN_MAX {
			for {
				more := false
				select {
				case _, ok := <-c.ipic:
					if ok {
						n++
						more = true
					}
				default:
				}
				if !more {
					break
				}
			}
			c.Tlb.Invalidate()
		} else {
			if i := c.Tlb.Probe(ts.Oldentryhi); i >= 0 {
				c.Tlb.Writeinvalid(i)
			}
		}
		m.ack(n)
	}
}

func (m *Machine_t) ack(n int) {
	m.tssplk.Acquire()
	if m.tscount < uint(n) {
		panic("shootdown count underflow")
	}
	m.tscount -= uint(n)
	if m.tscount == 0 {
		m.tswchan.Wakeall()
	}
	m.tssplk.Release()
}

// Tlbshoot invalidates the mapping named by ts on every CPU other than
// the initiator and blocks until all of them have acknowledged. The
// initiator's own TLB is handled inline. A nil initiator broadcasts to
// every CPU (used when the evicting thread has no CPU context, such as
// the paging daemon). No spinlocks may be held by the caller.
func (m *Machine_t) Tlbshoot(initiator *Cpu_t, ts Shootdown_t) {
	ntargets := uint(len(m.cpus))
	if initiator != nil {
		if i := initiator.Tlb.Probe(ts.Oldentryhi); i >= 0 {
			initiator.Tlb.Writeinvalid(i)
		}
		ntargets--
	}
	if ntargets == 0 {
		return
	}

	// increment before broadcast so a fast target cannot drive the
	// count negative
	m.tssplk.Acquire()
	m.tscount += ntargets
	m.tssplk.Release()

	for _, c := range m.cpus {
		if c != initiator {
			c.ipic <- ts
		}
	}

	m.tssplk.Acquire()
	m.tswchan.SleepWhile(func() bool {
		return m.tscount != 0
	})
	m.tssplk.Release()
}
