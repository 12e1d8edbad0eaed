package pool

import (
	"context"
	"errors"
	"testing"
)

type mockConn struct {
	id     int
	closed bool
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func dialer(counter *int) func(context.Context) (*mockConn, error) {
	return func(context.Context) (*mockConn, error) {
		*counter++
		return &mockConn{id: *counter}, nil
	}
}

func TestPool_GetPut(t *testing.T) {
	p := New[*mockConn](5)
	dials := 0

	c1, reused, err := p.Get(context.Background(), "a", dialer(&dials))
	if err != nil || reused {
		t.Fatalf("expected fresh connection, got reused=%v err=%v", reused, err)
	}
	if err := p.Put("a", c1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if p.Idle("a") != 1 {
		t.Fatalf("Idle() = %d, want 1", p.Idle("a"))
	}

	c2, reused, _ := p.Get(context.Background(), "a", dialer(&dials))
	if !reused || c2 != c1 {
		t.Fatal("expected the pooled connection back")
	}
	c3, reused, _ := p.Get(context.Background(), "b", dialer(&dials))
	if reused || c3 == c1 || dials != 2 {
		t.Fatal("different keys must not share connections")
	}
}

func TestPool_PutWhenFullCloses(t *testing.T) {
	p := New[*mockConn](1)
	a, b := &mockConn{id: 1}, &mockConn{id: 2}
	p.Put("k", a)
	p.Put("k", b)
	if a.closed || !b.closed {
		t.Fatalf("expected overflow connection to be closed: a=%v b=%v", a.closed, b.closed)
	}
}

func TestPool_Close(t *testing.T) {
	p := New[*mockConn](2)
	a := &mockConn{}
	p.Put("k", a)
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !a.closed {
		t.Fatal("idle connection not closed")
	}

	late := &mockConn{}
	p.Put("k", late)
	if !late.closed {
		t.Fatal("connection returned after Close must be closed")
	}
	if _, _, err := p.Get(context.Background(), "k", func(context.Context) (*mockConn, error) { return &mockConn{}, nil }); err == nil {
		t.Fatal("Get after Close must fail")
	}
}

func TestPool_DialError(t *testing.T) {
	p := New[*mockConn](1)
	want := errors.New("refused")
	_, _, err := p.Get(context.Background(), "k", func(context.Context) (*mockConn, error) { return nil, want })
	if !errors.Is(err, want) {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestKey(t *testing.T) {
	a := Key("https://x", map[string]string{"b": "2", "a": "1"})
	b := Key("https://x", map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "https://x|a=1;b=2;" {
		t.Fatalf("unexpected key %q", a)
	}
	if Key("https://y", nil) == a {
		t.Fatal("different targets must differ")
	}
}
