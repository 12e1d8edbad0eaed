package ammo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// lineDecoder turns one non-empty line into a missile.
type lineDecoder func(line string) (Missile, error)

// LineSource reads one missile per line and starts over at end of file.
// Loop limits the number of passes; zero means forever.
type LineSource struct {
	path    string
	loop    int
	decode  lineDecoder
	reader  io.ReadCloser
	scanner *bufio.Scanner
	pass    int
	read    int // lines decoded during the current pass
}

// NewLineSource returns a source that uses each line verbatim as the payload.
func NewLineSource(path, marker string, loop int) (*LineSource, error) {
	return newLineSource(path, loop, func(line string) (Missile, error) {
		return Missile{Marker: marker, Payload: line}, nil
	})
}

func newLineSource(path string, loop int, decode lineDecoder) (*LineSource, error) {
	s := &LineSource{path: path, loop: loop, decode: decode}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LineSource) reopen() error {
	if s.reader != nil {
		s.reader.Close()
	}
	r, err := openFile(s.path)
	if err != nil {
		return err
	}
	s.reader = r
	s.scanner = bufio.NewScanner(r)
	s.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	s.read = 0
	return nil
}

// Next implements Source.
func (s *LineSource) Next(ctx context.Context) (Missile, error) {
	if err := checkContext(ctx); err != nil {
		return Missile{}, err
	}
	if s.scanner == nil {
		return Missile{}, io.EOF
	}
	for {
		if s.scanner.Scan() {
			line := strings.TrimRight(s.scanner.Text(), "\r")
			if line == "" {
				continue
			}
			s.read++
			return s.decode(line)
		}
		if err := s.scanner.Err(); err != nil {
			return Missile{}, fmt.Errorf("read ammo %s: %w", s.path, err)
		}
		if s.read == 0 {
			s.scanner = nil
			if s.pass == 0 {
				return Missile{}, fmt.Errorf("ammo file %s has no missiles", s.path)
			}
			return Missile{}, io.EOF
		}
		s.pass++
		if s.loop > 0 && s.pass >= s.loop {
			s.scanner = nil
			return Missile{}, io.EOF
		}
		if err := s.reopen(); err != nil {
			return Missile{}, err
		}
	}
}

// Close implements Source.
func (s *LineSource) Close() error {
	s.scanner = nil
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
