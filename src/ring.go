package pifm

// ring is a fixed size sample FIFO between the audio callback and the
// output worker.  It does no locking of its own; Engine holds its mutex
// around every call.
//
// One slot is always left empty so that equal cursors mean empty and the
// occupancy stays below the capacity.
type ring struct {
	buf  []float32
	ipos int
	opos int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float32, capacity)}
}

func (r *ring) capacity() int {
	return len(r.buf)
}

func (r *ring) occupied() int {
	return (r.ipos - r.opos + len(r.buf)) % len(r.buf)
}

func (r *ring) free() int {
	return len(r.buf) - 1 - r.occupied()
}

// write appends all of samples, or nothing if they do not fit.
func (r *ring) write(samples []float32) bool {
	if len(samples) > r.free() {
		return false
	}
	var n = copy(r.buf[r.ipos:], samples)
	copy(r.buf, samples[n:])
	r.ipos = (r.ipos + len(samples)) % len(r.buf)
	return true
}

// read fills dst completely, or leaves the ring untouched if it holds
// fewer than len(dst) samples.
func (r *ring) read(dst []float32) bool {
	if len(dst) > r.occupied() {
		return false
	}
	var n = copy(dst, r.buf[r.opos:])
	copy(dst[n:], r.buf)
	r.opos = (r.opos + len(dst)) % len(r.buf)
	return true
}
