package mem

import "testing"

func TestStealmem(t *testing.T) {
	phys := Phys_init(16)
	if phys.Size() != Pa_t(16*PGSIZE) {
		t.Fatalf("size = %#x", phys.Size())
	}
	if pa := phys.Stealmem(0); pa != 0 {
		t.Fatalf("first watermark = %#x", pa)
	}
	pa := phys.Stealmem(3)
	if pa != 0 {
		t.Fatalf("steal returned %#x", pa)
	}
	if wm := phys.Stealmem(0); wm != Pa_t(3*PGSIZE) {
		t.Fatalf("watermark after steal = %#x", wm)
	}
	first := phys.Handoff()
	if first != Pa_t(3*PGSIZE) {
		t.Fatalf("handoff = %#x", first)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("stealmem after handoff did not panic")
		}
	}()
	phys.Stealmem(1)
}

func TestDmap(t *testing.T) {
	phys := Phys_init(4)
	pg := phys.Dmap(2 << PGSHIFT)
	pg[0] = 0xaa
	pg[PGSIZE-1] = 0xbb
	if phys.Dmap(2<<PGSHIFT)[0] != 0xaa {
		t.Fatalf("dmap not stable")
	}
	b := phys.Dmap8(2<<PGSHIFT + 7)
	if len(b) != PGSIZE-7 || b[len(b)-1] != 0xbb {
		t.Fatalf("dmap8 window wrong")
	}
}

func TestKvaddr(t *testing.T) {
	pa := Pa_t(0x1000)
	va := Kvaddr(pa)
	if va != 0x8000_1000 {
		t.Fatalf("kvaddr = %#x", va)
	}
	if Kv2pa(va) != pa {
		t.Fatalf("kv2pa roundtrip failed")
	}
}
