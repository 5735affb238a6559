// Package ports hands out loopback TCP ports for site instances.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when every port in the range is reserved or busy.
var ErrExhausted = errors.New("ports: range exhausted")

// Pool allocates ports from [start, end]. Reserved ports are never handed out twice
// until released, so a new instance always binds a port disjoint from the old one.
type Pool struct {
	mu       sync.Mutex
	start    int
	end      int
	next     int
	reserved map[int]struct{}
	probe    func(port int) bool
}

// NewPool returns a pool over the inclusive range.
func NewPool(start, end int) (*Pool, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("ports: invalid range %d-%d", start, end)
	}
	return &Pool{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]struct{}),
		probe:    bindable,
	}, nil
}

// Allocate reserves the next free, bindable port.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if !p.probe(port) {
			continue
		}
		p.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Reserve marks a port as used, e.g. for an instance adopted after a restart.
func (p *Pool) Reserve(port int) {
	if port < p.start || port > p.end {
		return
	}
	p.mu.Lock()
	p.reserved[port] = struct{}{}
	p.mu.Unlock()
}

// Release returns a port to the pool.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.reserved, port)
	p.mu.Unlock()
}

// InUse reports how many ports are reserved.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

func bindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
