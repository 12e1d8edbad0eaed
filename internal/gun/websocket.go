package gun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/pool"
	"github.com/torosent/barrage/internal/sample"
	"github.com/torosent/barrage/internal/websocket"
)

// WebSocketConfig configures the WebSocket gun.
type WebSocketConfig struct {
	URL        string
	Headers    http.Header
	Timeout    time.Duration // per shot, covers send and reply
	AwaitReply bool          // wait for one message after sending
	PoolSize   int           // idle connections kept between shots
	Binary     bool
}

// WebSocket sends the payload over a pooled connection. A fresh connection
// yields a "connect" sample before the "overall" sample of the exchange.
type WebSocket struct {
	cfg     WebSocketConfig
	key     string
	pool    *pool.Pool[*websocket.Client]
	metrics *clientmetrics.ClientMetrics
}

// NewWebSocket validates cfg and returns the gun.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket gun: url is required")
	}
	opts := make(map[string]string, len(cfg.Headers))
	for name, values := range cfg.Headers {
		opts[name] = strings.Join(values, ",")
	}
	return &WebSocket{cfg: cfg, key: pool.Key(cfg.URL, opts), metrics: clientmetrics.New()}, nil
}

func (g *WebSocket) Setup(context.Context) error {
	g.pool = pool.New[*websocket.Client](g.cfg.PoolSize)
	return nil
}

func (g *WebSocket) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	key := g.key

	var client *websocket.Client
	var reused bool
	err := func() error {
		var err error
		client, reused, err = g.pool.Get(ctx, key, func(ctx context.Context) (*websocket.Client, error) {
			return websocket.NewClient(websocket.Config{URL: g.cfg.URL, Headers: g.cfg.Headers, Metrics: g.metrics}), nil
		})
		if err != nil || reused {
			return err
		}
		return Measure(out, task, sample.ActionConnect, func(w *sample.StopWatch) error {
			if err := client.Connect(ctx); err != nil {
				var hs *websocket.HandshakeError
				if errors.As(err, &hs) {
					w.SetError(strconv.Itoa(hs.StatusCode))
				}
				return err
			}
			w.SetCode("101")
			return nil
		})
	}()
	if err != nil {
		if client != nil {
			client.Close()
		}
		return Measure(out, task, sample.ActionOverall, func(*sample.StopWatch) error { return err })
	}

	err = Measure(out, task, sample.ActionOverall, func(w *sample.StopWatch) error {
		msgType := gorilla.TextMessage
		if g.cfg.Binary {
			msgType = gorilla.BinaryMessage
		}
		data := []byte(fmt.Sprint(payloadOrEmpty(task.Payload)))
		if err := client.Send(ctx, websocket.Message{Type: msgType, Data: data}); err != nil {
			return err
		}
		w.Extra["sent"] = len(data)
		if !g.cfg.AwaitReply {
			return nil
		}
		reply, err := client.Receive(ctx)
		if err != nil {
			return err
		}
		w.Extra["length"] = len(reply.Data)
		return nil
	})
	if client.Healthy() {
		g.pool.Put(key, client)
	} else {
		client.Close()
	}
	return err
}

func (g *WebSocket) Teardown(context.Context) error {
	if g.pool == nil {
		return nil
	}
	return g.pool.Close()
}

// ClientMetrics implements clientmetrics.Reporter.
func (g *WebSocket) ClientMetrics() clientmetrics.Snapshot { return g.metrics.Snapshot() }

func payloadOrEmpty(p any) any {
	if p == nil {
		return ""
	}
	return p
}
