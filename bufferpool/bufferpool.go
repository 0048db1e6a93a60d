// Package bufferpool implements the Buffer Cache described in spec §4.1: a
// process-wide registry of fixed-size byte buffers, partitioned by size,
// that amortizes allocation across segment load/unload cycles and across
// every store instance that shares a given data size.
package bufferpool

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool is a process-wide buffer cache. The zero value is not usable; use
// New. A Pool is safe for concurrent use by multiple goroutines and is
// typically shared by every store instance in a process, as spec §4.1
// requires ("shared across all store instances of the same data size").
type Pool struct {
	mu      sync.Mutex
	classes map[int]*sizeClass

	idleGauge  *prometheus.GaugeVec
	allocTotal *prometheus.CounterVec
}

type sizeClass struct {
	size int
	core int
	max  int
	refs int
	idle [][]byte
}

// New creates an empty Pool. reg may be nil, in which case no metrics are
// registered (useful for tests that construct many short-lived pools).
func New(reg prometheus.Registerer) *Pool {
	p := &Pool{classes: make(map[int]*sizeClass)}
	if reg != nil {
		p.idleGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bufferpool_idle_buffers",
			Help: "Number of idle buffers currently cached, by size class.",
		}, []string{"size"})
		p.allocTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferpool_allocations_total",
			Help: "Number of buffers allocated (cache misses), by size class.",
		}, []string{"size"})
		reg.MustRegister(p.idleGauge, p.allocTotal)
	}
	return p
}

// AddPreLoad registers that buffers of the given size should be maintained
// with at least core idle instances eagerly allocated and at most max
// cached when idle. Multiple registrants for the same size are refcounted:
// the effective core and max are the maximum across all live registrants.
func (p *Pool) AddPreLoad(size, core, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.classes[size]
	if !ok {
		c = &sizeClass{size: size}
		p.classes[size] = c
	}
	c.refs++
	if core > c.core {
		c.core = core
	}
	if max > c.max {
		c.max = max
	}
	for len(c.idle) < c.core {
		c.idle = append(c.idle, make([]byte, size))
	}
	p.observeLocked(c)
}

// RemovePreLoad decrements the registration for size; when the refcount
// reaches zero, remaining cached buffers for that size are released.
func (p *Pool) RemovePreLoad(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.classes[size]
	if !ok {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	delete(p.classes, size)
	if p.idleGauge != nil {
		p.idleGauge.DeleteLabelValues(sizeLabel(size))
	}
}

// Borrow returns an idle buffer of the given size if one is cached, else
// allocates a new zero-initialized one. Borrow never returns nil; an
// allocation failure is a Go runtime out-of-memory condition, consistent
// with spec §4.1's "borrow never returns null" contract.
func (p *Pool) Borrow(size int) []byte {
	p.mu.Lock()
	c, ok := p.classes[size]
	if ok && len(c.idle) > 0 {
		n := len(c.idle) - 1
		buf := c.idle[n]
		c.idle[n] = nil
		c.idle = c.idle[:n]
		p.observeLocked(c)
		p.mu.Unlock()
		return buf
	}
	if p.allocTotal != nil {
		p.allocTotal.WithLabelValues(sizeLabel(size)).Inc()
	}
	p.mu.Unlock()
	return make([]byte, size)
}

// Release returns buf, of the given size, to the pool. If the pool already
// holds max idle instances for that size, buf is discarded (left for the
// garbage collector). Release is infallible and never blocks.
func (p *Pool) Release(size int, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.classes[size]
	if !ok {
		// Nobody preloaded this size class; record it as an implicit
		// zero-core/zero-max class, so buf is discarded below.
		c = &sizeClass{size: size, max: 0}
		p.classes[size] = c
	}
	if len(c.idle) >= c.max {
		return
	}
	c.idle = append(c.idle, buf)
	p.observeLocked(c)
}

func (p *Pool) observeLocked(c *sizeClass) {
	if p.idleGauge != nil {
		p.idleGauge.WithLabelValues(sizeLabel(c.size)).Set(float64(len(c.idle)))
	}
}

func sizeLabel(size int) string {
	// Small, bounded cardinality in practice (one label value per distinct
	// configured segment data size), so a decimal string key is fine.
	return strconv.Itoa(size)
}
