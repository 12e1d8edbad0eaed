// Package ammo provides payload sources that feed the load plan.
package ammo

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Missile is one payload with the marker used to label its samples.
type Missile struct {
	Marker  string
	Payload any
}

// Source yields missiles in order. Next returns io.EOF when the source is
// exhausted. Implementations need not be safe for concurrent use; the plan
// reads from a single goroutine.
type Source interface {
	Next(ctx context.Context) (Missile, error)
	Close() error
}

// Record is one CSV row keyed by header name.
type Record map[string]string

// openFile opens path, transparently decompressing .gz files.
func openFile(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ammo file: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return file, nil
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open gzip ammo: %w", err)
	}
	return &gzipFile{Reader: gz, file: file}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
