// Package h2mux implements a multiplexed HTTP/2 gun on top of a framer
// session with an explicit, callback-dispatched I/O loop.
//
// Every missile of a batch task becomes one stream on a single connection.
// All streams are queued before the loop starts reading, and each stream
// reports three phases:
//
//	request         until the request frames reached the socket
//	response_start  until the response headers arrived
//	response        until the end of the body, with Extra["length"]
//
// A stream that is reset, refused by GOAWAY, cut by a closed connection or
// still open when the shot times out ends in an errored sample for its
// current phase. The batch yields one overall sample, errored when any
// stream failed.
package h2mux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/pool"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/tracing"
)

// Config configures the multiplexed gun.
type Config struct {
	// Target is the base URL. "https" negotiates h2 through ALPN, "http"
	// speaks cleartext HTTP/2 with prior knowledge.
	Target         string
	Headers        http.Header
	Timeout        time.Duration // per batch
	ConnectTimeout time.Duration
	Insecure       bool
	PoolSize       int
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Gun shoots batch tasks over pooled sessions. Executors never share a
// session: each shot takes one from the pool and returns it only when it
// is still healthy.
type Gun struct {
	cfg       Config
	scheme    string
	authority string
	addr      string
	host      string

	pool    *pool.Pool[*Session]
	metrics *clientmetrics.ClientMetrics
	logger  *slog.Logger
	warn    rate.Sometimes
}

// New validates cfg and returns the gun.
func New(cfg Config) (*Gun, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.Target))
	if err != nil {
		return nil, fmt.Errorf("h2mux gun: invalid target: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("h2mux gun: target %q has no host", cfg.Target)
	}
	port := u.Port()
	switch u.Scheme {
	case "https":
		if port == "" {
			port = "443"
		}
	case "http":
		if port == "" {
			port = "80"
		}
	default:
		return nil, fmt.Errorf("h2mux gun: unsupported scheme %q", u.Scheme)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gun{
		cfg:       cfg,
		scheme:    u.Scheme,
		authority: u.Host,
		host:      u.Hostname(),
		addr:      net.JoinHostPort(u.Hostname(), port),
		metrics:   clientmetrics.New(),
		logger:    logger.With("gun", "h2mux", "target", u.Host),
		warn:      rate.Sometimes{Interval: time.Second},
	}, nil
}

func (g *Gun) Setup(context.Context) error {
	g.pool = pool.New[*Session](g.cfg.PoolSize)
	return nil
}

func (g *Gun) Teardown(context.Context) error {
	if g.pool == nil {
		return nil
	}
	return g.pool.Close()
}

// ClientMetrics implements clientmetrics.Reporter.
func (g *Gun) ClientMetrics() clientmetrics.Snapshot { return g.metrics.Snapshot() }

func (g *Gun) dial(ctx context.Context) (*Session, error) {
	d := &net.Dialer{Timeout: g.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	start := time.Now()
	var conn net.Conn
	if g.scheme == "http" {
		c, err := d.DialContext(ctx, "tcp", g.addr)
		if err != nil {
			g.metrics.IncrementErrors()
			return nil, err
		}
		conn = c
	} else {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{
			ServerName:         g.host,
			NextProtos:         []string{http2.NextProtoTLS},
			InsecureSkipVerify: g.cfg.Insecure,
		}}
		c, err := td.DialContext(ctx, "tcp", g.addr)
		if err != nil {
			g.metrics.IncrementErrors()
			return nil, err
		}
		if proto := c.(*tls.Conn).ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
			c.Close()
			g.metrics.IncrementErrors()
			return nil, &gun.CodedError{Code: "ALPN", Err: fmt.Errorf("server negotiated %q instead of h2", proto)}
		}
		conn = c
	}
	g.metrics.RecordConnect(time.Since(start))
	g.logger.Debug("session opened", "addr", g.addr)
	return NewSession(conn, SessionOptions{
		Scheme:       g.scheme,
		Authority:    g.authority,
		PollInterval: g.cfg.PollInterval,
		WriteTimeout: g.cfg.WriteTimeout,
		Metrics:      g.metrics,
	}), nil
}

func (g *Gun) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	return gun.Measure(out, task, sample.ActionOverall, func(overall *sample.StopWatch) error {
		overall.Scenario = task.Marker
		missiles := gun.Batch(task)
		if len(missiles) == 0 {
			return gun.ErrEmptyBatch
		}
		sess, reused, err := g.pool.Get(ctx, g.addr, g.dial)
		if err != nil {
			return err
		}
		overall.Extra["reused"] = reused

		failure := &gun.PartialFailure{Total: len(missiles)}
		record := func(err error) {
			failure.Failed++
			if failure.First == nil {
				failure.First = err
			}
		}
		streams := make([]*stream, 0, len(missiles))
		for _, m := range missiles {
			sub := task
			sub.Marker = m.Marker
			sub.Payload = m.Payload
			req, err := g.request(m.Payload)
			if err == nil {
				req.Header = tracing.HeadersWithContext(ctx, req.Header)
				var st *stream
				if st, err = sess.submit(req, sub, task.Marker, out); err == nil {
					streams = append(streams, st)
					continue
				}
			}
			// never reached the wire: the request phase fails on its own
			w := sample.NewStopWatch(sub, sample.ActionRequest)
			w.Scenario = task.Marker
			w.SetError(gun.ErrorCode(err))
			w.Extra["error"] = err.Error()
			out.Put(w.Sample())
			record(err)
		}

		if err := sess.drive(ctx, streams); err != nil {
			g.warn.Do(func() {
				g.logger.Warn("session failed", "error", err)
			})
		}
		if sess.Healthy() {
			g.pool.Put(g.addr, sess)
		} else {
			sess.Close()
		}

		for _, st := range streams {
			if st.failed() {
				record(st.err)
			}
		}
		overall.Extra["streams"] = len(missiles)
		if failure.Failed > 0 {
			overall.Extra["failed_streams"] = failure.Failed
			return failure
		}
		return nil
	})
}

// request converts a missile payload. A string is a path or an absolute
// URL on the target; an ammo.Record may carry "path" or "url", "method" and
// "body" columns.
func (g *Gun) request(payload any) (Request, error) {
	req := Request{Header: g.cfg.Headers}
	var target string
	switch p := payload.(type) {
	case nil:
	case string:
		target = p
	case ammo.Record:
		target = p["path"]
		if u := p["url"]; u != "" {
			target = u
		}
		req.Method = strings.ToUpper(strings.TrimSpace(p["method"]))
		if b := p["body"]; b != "" {
			req.Body = []byte(b)
		}
	default:
		return Request{}, fmt.Errorf("unsupported h2mux payload %T", payload)
	}
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return Request{}, err
		}
		if u.Host != g.authority {
			return Request{}, errors.New("url host differs from the session target")
		}
		target = u.RequestURI()
	}
	if target != "" && !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	req.Path = target
	return req, nil
}
