package slab

import "sync"

// Domain tracks read-side critical sections by epoch. A reader that
// entered before a mark was taken holds the mark's grace period open until
// it exits.
type Domain struct {
	mu     sync.Mutex
	cond   *sync.Cond
	epoch  uint64
	active map[uint64]int
}

// NewDomain returns a domain with no readers.
func NewDomain() *Domain {
	d := &Domain{active: make(map[uint64]int)}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Guard is an open read-side critical section.
type Guard struct {
	d      *Domain
	epoch  uint64
	exited bool
}

// Enter opens a critical section. Objects found while it is open stay valid
// until Exit, even if they are freed meanwhile.
func (d *Domain) Enter() *Guard {
	d.mu.Lock()
	e := d.epoch
	d.active[e]++
	d.mu.Unlock()
	return &Guard{d: d, epoch: e}
}

// Exit closes the critical section. Calling it twice is a no-op.
func (g *Guard) Exit() {
	if g == nil || g.exited {
		return
	}
	g.exited = true

	d := g.d
	d.mu.Lock()
	d.active[g.epoch]--
	if d.active[g.epoch] <= 0 {
		delete(d.active, g.epoch)
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Mark starts a new epoch and returns it. Readers inside the domain at this
// point all carry an older epoch.
func (d *Domain) Mark() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	return d.epoch
}

// Wait blocks until no reader that entered before mark is still inside.
func (d *Domain) Wait(mark uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.hasReadersBefore(mark) {
		d.cond.Wait()
	}
}

// Synchronize waits for every reader currently inside the domain.
func (d *Domain) Synchronize() {
	d.Wait(d.Mark())
}

// Readers returns the number of open critical sections.
func (d *Domain) Readers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.active {
		n += c
	}
	return n
}

func (d *Domain) hasReadersBefore(mark uint64) bool {
	for e := range d.active {
		if e < mark {
			return true
		}
	}
	return false
}
