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
	"strings"
	"time"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/tracing"
)

// HTTPConfig configures the HTTP based guns.
type HTTPConfig struct {
	Target   string // base URL; relative payload paths are appended to it
	Method   string
	Headers  http.Header
	Timeout  time.Duration
	Insecure bool // skip TLS verification
}

func (c *HTTPConfig) normalize() error {
	c.Target = strings.TrimRight(strings.TrimSpace(c.Target), "/")
	if c.Target == "" {
		return errors.New("target is required")
	}
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	for key, values := range c.Headers {
		if strings.ContainsAny(key, "\r\n") {
			return fmt.Errorf("invalid header key %q", key)
		}
		for _, v := range values {
			if strings.ContainsAny(v, "\r\n") {
				return fmt.Errorf("invalid header value for %s", key)
			}
		}
	}
	return nil
}

// newRequest builds a request for one payload. A string payload is a path
// or an absolute URL. An ammo.Record may carry "path" or "url", "method" and
// "body" columns.
func (c *HTTPConfig) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	method := c.Method
	var target, body string
	switch p := payload.(type) {
	case nil:
		target = c.Target
	case string:
		target = c.resolve(p)
	case ammo.Record:
		if m := strings.TrimSpace(p["method"]); m != "" {
			method = strings.ToUpper(m)
		}
		if u := p["url"]; u != "" {
			target = u
		} else {
			target = c.resolve(p["path"])
		}
		body = p["body"]
	default:
		return nil, fmt.Errorf("unsupported HTTP payload %T", payload)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range c.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)
	return req, nil
}

func (c *HTTPConfig) resolve(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.Target
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.Target + path
}

func newTransport(insecure bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure},
	}
}

const errorBodyLimit = 256

// HTTP sends one request per task and emits one overall sample.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP validates cfg and returns the gun.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("http gun: %w", err)
	}
	return &HTTP{cfg: cfg}, nil
}

func (g *HTTP) Setup(context.Context) error {
	g.client = &http.Client{Timeout: g.cfg.Timeout, Transport: newTransport(g.cfg.Insecure)}
	return nil
}

func (g *HTTP) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	return Measure(out, task, sample.ActionOverall, func(w *sample.StopWatch) error {
		req, err := g.cfg.newRequest(ctx, task.Payload)
		if err != nil {
			return err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		w.SetCode(strconv.Itoa(resp.StatusCode))
		if resp.StatusCode >= http.StatusBadRequest {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			n, _ := io.Copy(io.Discard, resp.Body)
			w.Extra["length"] = int64(len(snippet)) + n
			return &HTTPError{StatusCode: resp.StatusCode, Body: string(snippet)}
		}
		n, err := io.Copy(io.Discard, resp.Body)
		w.Extra["length"] = n
		return err
	})
}

func (g *HTTP) Teardown(context.Context) error {
	if g.client != nil {
		g.client.CloseIdleConnections()
	}
	return nil
}
