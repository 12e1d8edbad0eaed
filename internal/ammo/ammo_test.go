package ammo

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func drain(t *testing.T, src Source, limit int) []Missile {
	t.Helper()
	var out []Missile
	for i := 0; i < limit; i++ {
		m, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestLineSourceCyclesUntilLoopLimit(t *testing.T) {
	path := writeFile(t, "ammo.line", "/a\r\n\n/b\n")
	src, err := NewLineSource(path, "page", 2)
	if err != nil {
		t.Fatalf("NewLineSource() error = %v", err)
	}
	defer src.Close()

	got := drain(t, src, 10)
	want := []string{"/a", "/b", "/a", "/b"}
	if len(got) != len(want) {
		t.Fatalf("got %d missiles, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Payload != want[i] || m.Marker != "page" {
			t.Fatalf("missile %d = %+v, want payload %q", i, m, want[i])
		}
	}
}

func TestLineSourceForever(t *testing.T) {
	path := writeFile(t, "ammo.line", "/only\n")
	src, err := NewLineSource(path, "", 0)
	if err != nil {
		t.Fatalf("NewLineSource() error = %v", err)
	}
	defer src.Close()
	if got := drain(t, src, 25); len(got) != 25 {
		t.Fatalf("expected endless source, got %d missiles", len(got))
	}
}

func TestLineSourceEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.line", "\n\n")
	src, err := NewLineSource(path, "", 0)
	if err != nil {
		t.Fatalf("NewLineSource() error = %v", err)
	}
	if _, err := src.Next(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected empty file error, got %v", err)
	}
}

func TestLineSourceGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ammo.line.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	zw.Write([]byte("/x\n/y\n"))
	zw.Close()
	f.Close()

	src, err := NewLineSource(path, "", 1)
	if err != nil {
		t.Fatalf("NewLineSource() error = %v", err)
	}
	defer src.Close()
	got := drain(t, src, 10)
	if len(got) != 2 || got[0].Payload != "/x" || got[1].Payload != "/y" {
		t.Fatalf("unexpected missiles %+v", got)
	}
}

func TestLineSourceMissingFile(t *testing.T) {
	if _, err := NewLineSource(filepath.Join(t.TempDir(), "missing"), "", 0); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCSVSource(t *testing.T) {
	path := writeFile(t, "users.csv", "kind,user\nlogin,alice\nsearch,bob\n")
	src, err := NewCSVSource(path, "", "kind", 1)
	if err != nil {
		t.Fatalf("NewCSVSource() error = %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", src.Len())
	}
	got := drain(t, src, 10)
	if len(got) != 2 {
		t.Fatalf("got %d missiles, want 2", len(got))
	}
	rec := got[1].Payload.(Record)
	if got[1].Marker != "search" || rec["user"] != "bob" {
		t.Fatalf("unexpected second missile %+v", got[1])
	}
}

func TestCSVSourceErrors(t *testing.T) {
	tests := map[string]string{
		"header only":    "a,b\n",
		"ragged":         "a,b\n1\n",
		"missing marker": "a,b\n1,2\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "bad.csv", content)
			if _, err := NewCSVSource(path, "", "kind", 0); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestJSONLineSource(t *testing.T) {
	path := writeFile(t, "ammo.jsonl",
		`{"tag":"search","req":{"path":"/s?q=1"}}`+"\n"+
			`{"req":{"path":"/home"}}`+"\n")
	src, err := NewJSONLineSource(path, "default", "$.tag", "$.req.path", 1)
	if err != nil {
		t.Fatalf("NewJSONLineSource() error = %v", err)
	}
	defer src.Close()

	got := drain(t, src, 10)
	if len(got) != 2 {
		t.Fatalf("got %d missiles, want 2", len(got))
	}
	if got[0].Marker != "search" || got[0].Payload != "/s?q=1" {
		t.Fatalf("unexpected first missile %+v", got[0])
	}
	if got[1].Marker != "default" || got[1].Payload != "/home" {
		t.Fatalf("unexpected second missile %+v", got[1])
	}
}

func TestJSONLineSourceRejectsInvalidJSON(t *testing.T) {
	path := writeFile(t, "ammo.jsonl", "{not json}\n")
	src, err := NewJSONLineSource(path, "", "", "", 1)
	if err != nil {
		t.Fatalf("NewJSONLineSource() error = %v", err)
	}
	if _, err := src.Next(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBatch(t *testing.T) {
	inner := NewSlice(
		Missile{Marker: "a", Payload: "/1"},
		Missile{Marker: "b", Payload: "/2"},
		Missile{Marker: "a", Payload: "/3"},
	)
	b, err := NewBatch(inner, 2)
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}
	got := drain(t, b, 10)
	if len(got) != 2 {
		t.Fatalf("got %d batches, want 2", len(got))
	}
	if got[0].Marker != "a+b" || len(got[0].Payload.([]Missile)) != 2 {
		t.Fatalf("unexpected first batch %+v", got[0])
	}
	if got[1].Marker != "a" || len(got[1].Payload.([]Missile)) != 1 {
		t.Fatalf("unexpected short batch %+v", got[1])
	}
	if _, err := NewBatch(inner, 0); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}

func TestSourcesHonourContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSlice(Missile{}).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoopingSlice(t *testing.T) {
	twice := NewLoopingSlice(2, Missile{Payload: "/a"}, Missile{Payload: "/b"})
	if got := drain(t, twice, 10); len(got) != 4 || got[2].Payload != "/a" {
		t.Fatalf("got %+v, want two passes", got)
	}

	forever := NewLoopingSlice(0, Missile{Payload: "/a"})
	if got := drain(t, forever, 7); len(got) != 7 {
		t.Fatalf("got %d missiles, want 7 from an endless slice", len(got))
	}

	if got := drain(t, NewLoopingSlice(0), 3); len(got) != 0 {
		t.Fatalf("empty slice yielded %d missiles", len(got))
	}
}
