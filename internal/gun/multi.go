package gun

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/http2"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/sample"
)

// MultiConfig configures the batched HTTP/2 gun.
type MultiConfig struct {
	HTTPConfig
	H2C bool // cleartext HTTP/2 with prior knowledge
}

// Multi issues every missile of a batch as a concurrent stream on one HTTP/2
// connection. All streams are opened before any body is read. Each
// sub-request yields a "request" sample (until response headers) and, when
// headers arrived, a "response" sample (until the body is drained). The batch
// yields one "overall" sample that is errored if any stream failed.
type Multi struct {
	cfg       MultiConfig
	transport *http2.Transport
	client    *http.Client
}

// NewMulti validates cfg and returns the gun.
func NewMulti(cfg MultiConfig) (*Multi, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("multi gun: %w", err)
	}
	return &Multi{cfg: cfg}, nil
}

func (g *Multi) Setup(context.Context) error {
	g.transport = &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: g.cfg.Insecure},
	}
	if g.cfg.H2C {
		g.transport.AllowHTTP = true
		g.transport.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	g.client = &http.Client{Timeout: g.cfg.Timeout, Transport: g.transport}
	return nil
}

type stream struct {
	task sample.Task
	req  *http.Request
	resp *http.Response
	err  error
}

// PartialFailure reports how many streams of a batch failed.
type PartialFailure struct {
	Failed, Total int
	First         error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%d of %d streams failed: %v", e.Failed, e.Total, e.First)
}

func (e *PartialFailure) Unwrap() error { return e.First }

func (g *Multi) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	return Measure(out, task, sample.ActionOverall, func(overall *sample.StopWatch) error {
		missiles := Batch(task)
		if len(missiles) == 0 {
			return ErrEmptyBatch
		}
		streams := make([]*stream, len(missiles))
		for i, m := range missiles {
			sub := task
			sub.Marker = m.Marker
			sub.Payload = m.Payload
			streams[i] = &stream{task: sub}
		}

		var wg sync.WaitGroup
		for _, s := range streams {
			wg.Add(1)
			go func(s *stream) {
				defer wg.Done()
				_ = Measure(out, s.task, sample.ActionRequest, func(w *sample.StopWatch) error {
					s.req, s.err = g.cfg.newRequest(ctx, s.task.Payload)
					if s.err != nil {
						return s.err
					}
					s.resp, s.err = g.client.Do(s.req)
					if s.err != nil {
						return s.err
					}
					w.SetCode(strconv.Itoa(s.resp.StatusCode))
					return nil
				})
			}(s)
		}
		wg.Wait()

		for _, s := range streams {
			if s.resp == nil {
				continue
			}
			s.err = Measure(out, s.task, sample.ActionResponse, func(w *sample.StopWatch) error {
				defer s.resp.Body.Close()
				w.SetCode(strconv.Itoa(s.resp.StatusCode))
				n, err := io.Copy(io.Discard, s.resp.Body)
				w.Extra["length"] = n
				if err != nil {
					return err
				}
				if s.resp.StatusCode >= http.StatusBadRequest {
					return &HTTPError{StatusCode: s.resp.StatusCode}
				}
				return nil
			})
		}

		failure := &PartialFailure{Total: len(streams)}
		for _, s := range streams {
			if s.err != nil {
				failure.Failed++
				if failure.First == nil {
					failure.First = s.err
				}
			}
		}
		overall.Extra["streams"] = len(streams)
		if failure.Failed > 0 {
			overall.Extra["failed_streams"] = failure.Failed
			return failure
		}
		return nil
	})
}

func (g *Multi) Teardown(context.Context) error {
	if g.transport != nil {
		g.transport.CloseIdleConnections()
	}
	return nil
}

// Batch returns the missiles carried by task. A payload that is not a
// batch is treated as a batch of one.
func Batch(task sample.Task) []ammo.Missile {
	switch p := task.Payload.(type) {
	case []ammo.Missile:
		return p
	case ammo.Missile:
		return []ammo.Missile{p}
	default:
		return []ammo.Missile{{Marker: task.Marker, Payload: task.Payload}}
	}
}

// ErrEmptyBatch is returned for a batch task without missiles.
var ErrEmptyBatch = errors.New("empty batch")
