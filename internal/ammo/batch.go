package ammo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Batch groups missiles from an underlying source so that multiplexing guns
// can issue them as concurrent streams. The batch marker joins the distinct
// member markers with "+"; the payload is []Missile.
type Batch struct {
	src  Source
	size int
}

// NewBatch wraps src. size must be positive.
func NewBatch(src Source, size int) (*Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	return &Batch{src: src, size: size}, nil
}

// Next implements Source. A short final batch is returned before io.EOF.
func (b *Batch) Next(ctx context.Context) (Missile, error) {
	batch := make([]Missile, 0, b.size)
	for len(batch) < b.size {
		m, err := b.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Missile{}, err
		}
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return Missile{}, io.EOF
	}
	return Missile{Marker: batchMarker(batch), Payload: batch}, nil
}

// Close implements Source.
func (b *Batch) Close() error { return b.src.Close() }

func batchMarker(batch []Missile) string {
	seen := make(map[string]struct{}, len(batch))
	var parts []string
	for _, m := range batch {
		if m.Marker == "" {
			continue
		}
		if _, ok := seen[m.Marker]; ok {
			continue
		}
		seen[m.Marker] = struct{}{}
		parts = append(parts, m.Marker)
	}
	return strings.Join(parts, "+")
}

// Slice serves a fixed list of missiles. Mostly useful in tests and for
// inline ammo in configuration files.
type Slice struct {
	items []Missile
	index int
	loop  int
	pass  int
}

// NewSlice returns a source serving items once.
func NewSlice(items ...Missile) *Slice { return &Slice{items: items, loop: 1} }

// NewLoopingSlice serves items loop times; zero loops forever.
func NewLoopingSlice(loop int, items ...Missile) *Slice {
	return &Slice{items: items, loop: loop}
}

// Next implements Source.
func (s *Slice) Next(ctx context.Context) (Missile, error) {
	if err := checkContext(ctx); err != nil {
		return Missile{}, err
	}
	if len(s.items) == 0 {
		return Missile{}, io.EOF
	}
	if s.index >= len(s.items) {
		s.pass++
		if s.loop > 0 && s.pass >= s.loop {
			return Missile{}, io.EOF
		}
		s.index = 0
	}
	m := s.items[s.index]
	s.index++
	return m, nil
}

// Close implements Source.
func (s *Slice) Close() error { return nil }
