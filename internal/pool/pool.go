// Package pool keeps idle protocol connections for reuse between shots.
package pool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Conn is anything that can be pooled.
type Conn interface {
	Close() error
}

// Pool holds up to size idle connections per key. A connection is owned by
// exactly one caller between Get and Put, so guns never share a live
// connection across executors.
type Pool[C Conn] struct {
	mu     sync.Mutex
	idle   map[string][]C
	size   int
	closed bool
}

// New creates a pool keeping at most size idle connections per key.
func New[C Conn](size int) *Pool[C] {
	if size <= 0 {
		size = 10
	}
	return &Pool[C]{idle: make(map[string][]C), size: size}
}

// Get returns an idle connection for key, or dials a new one.
// reused reports whether the connection came from the pool.
func (p *Pool[C]) Get(ctx context.Context, key string, dial func(context.Context) (C, error)) (conn C, reused bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return conn, false, errors.New("pool closed")
	}
	if list := p.idle[key]; len(list) > 0 {
		conn = list[len(list)-1]
		p.idle[key] = list[:len(list)-1]
		p.mu.Unlock()
		return conn, true, nil
	}
	p.mu.Unlock()

	conn, err = dial(ctx)
	return conn, false, err
}

// Put returns a healthy connection to the pool. It is closed instead when
// the pool for key is full or the pool has been closed.
func (p *Pool[C]) Put(key string, conn C) error {
	p.mu.Lock()
	if !p.closed && len(p.idle[key]) < p.size {
		p.idle[key] = append(p.idle[key], conn)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return conn.Close()
}

// Idle returns the number of idle connections for key.
func (p *Pool[C]) Idle(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// Close closes every idle connection. Connections checked out at the time
// are closed when they are returned.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]C)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, list := range idle {
		for _, conn := range list {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Key builds a deterministic key from a target and sorted options.
func Key(target string, opts map[string]string) string {
	var sb strings.Builder
	sb.WriteString(target)
	sb.WriteString("|")

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(opts[k])
		sb.WriteString(";")
	}
	return sb.String()
}
