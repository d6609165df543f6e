// Package proc holds process objects and the process table. Scheduling
// is out of scope; a process here is a pid bound to an address space.
package proc

import (
	"sync/atomic"

	"github.com/CS161/tapiros/defs"
	"github.com/CS161/tapiros/limits"
	"github.com/CS161/tapiros/vm"
)

// Proc_t is one process.
type Proc_t struct {
	Pid defs.Pid_t
	As  *vm.Addrspace_t

	ptable *Ptable_t
}

// Ptable_t is the process table.
type Ptable_t struct {
	procs   *Hashtable_t
	lim     *limits.Syslimit_t
	nextpid int64
	nprocs  int64
}

// MkPtable creates an empty process table bounded by lim.
func MkPtable(lim *limits.Syslimit_t) *Ptable_t {
	return &Ptable_t{procs: MkHash(512), lim: lim}
}

// Mkproc creates a process with a fresh, empty address space.
func (pt *Ptable_t) Mkproc() (*Proc_t, defs.Err_t) {
	if atomic.AddInt64(&pt.nprocs, 1) > int64(pt.lim.Sysprocs) {
		atomic.AddInt64(&pt.nprocs, -1)
		return nil, defs.ENOMEM
	}
	p := &Proc_t{
		Pid:    defs.Pid_t(atomic.AddInt64(&pt.nextpid, 1)),
		As:     vm.Mkaddrspace(),
		ptable: pt,
	}
	pt.procs.Set(int(p.Pid), p)
	return p, 0
}

// Lookup finds a process by pid.
func (pt *Ptable_t) Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	v, ok := pt.procs.Get(int(pid))
	if !ok {
		return nil, false
	}
	return v.(*Proc_t), true
}

// Fork clones p: a new process whose address space holds a deep copy of
// every page, resident or swapped.
func (p *Proc_t) Fork(v *vm.Vm_t) (*Proc_t, defs.Err_t) {
	child, err := p.ptable.Mkproc()
	if err != 0 {
		return nil, err
	}
	if err := v.Pth_copy(p.As, child.As); err != 0 {
		child.Exit(v)
		return nil, err
	}
	return child, 0
}

// Exit tears the process down, destroying its address space.
func (p *Proc_t) Exit(v *vm.Vm_t) {
	p.ptable.procs.Del(int(p.Pid))
	atomic.AddInt64(&p.ptable.nprocs, -1)
	v.As_destroy(p.As)
	p.As = nil
}
