package gun

import (
	"context"
	"fmt"
	"time"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/grpcclient"
	"github.com/torosent/barrage/internal/sample"
)

// GRPCConfig configures the gRPC gun.
type GRPCConfig struct {
	grpcclient.Config
	Timeout time.Duration
	Message string // default JSON body when the payload is empty
}

// GRPC performs one unary call per task. The payload is the JSON request
// body; the gRPC status name becomes the sample code.
type GRPC struct {
	cfg    GRPCConfig
	client *grpcclient.Client
}

// NewGRPC returns the gun. The proto file is parsed during Setup.
func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("grpc gun: target is required")
	}
	return &GRPC{cfg: cfg}, nil
}

func (g *GRPC) Setup(ctx context.Context) error {
	client, err := grpcclient.NewClient(g.cfg.Config)
	if err != nil {
		return fmt.Errorf("grpc gun: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("grpc gun: %w", err)
	}
	g.client = client
	return nil
}

func (g *GRPC) Shoot(ctx context.Context, task sample.Task, out sample.Sink) error {
	return Measure(out, task, sample.ActionOverall, func(w *sample.StopWatch) error {
		payload := g.cfg.Message
		switch p := task.Payload.(type) {
		case string:
			if p != "" {
				payload = p
			}
		case ammo.Record:
			if m := p["message"]; m != "" {
				payload = m
			}
		}
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		body, code, err := g.client.Invoke(ctx, payload)
		w.SetCode(code)
		if err != nil {
			return &CodedError{Code: code, Err: err}
		}
		w.Extra["length"] = len(body)
		return nil
	})
}

func (g *GRPC) Teardown(context.Context) error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// ClientMetrics implements clientmetrics.Reporter.
func (g *GRPC) ClientMetrics() clientmetrics.Snapshot {
	if g.client == nil {
		return clientmetrics.Snapshot{}
	}
	return g.client.Metrics()
}
