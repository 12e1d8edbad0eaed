package gun

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/torosent/barrage/internal/ammo"
	"github.com/torosent/barrage/internal/grpcclient"
	"github.com/torosent/barrage/internal/sample"
)

const healthProto = `
syntax = "proto3";
package grpc.health.v1;
message HealthCheckRequest { string service = 1; }
message HealthCheckResponse {
  enum ServingStatus {
    UNKNOWN = 0;
    SERVING = 1;
    NOT_SERVING = 2;
    SERVICE_UNKNOWN = 3;
  }
  ServingStatus status = 1;
}
service Health { rpc Check(HealthCheckRequest) returns (HealthCheckResponse); }
`

func TestGRPCGun(t *testing.T) {
	protoPath := filepath.Join(t.TempDir(), "health.proto")
	if err := os.WriteFile(protoPath, []byte(healthProto), 0o644); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("ready", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	g, err := NewGRPC(GRPCConfig{
		Config: grpcclient.Config{
			Target:    lis.Addr().String(),
			ProtoFile: protoPath,
			Service:   "grpc.health.v1.Health",
			Method:    "Check",
		},
		Message: `{"service":"ready"}`,
	})
	if err != nil {
		t.Fatalf("NewGRPC() error = %v", err)
	}
	ctx := context.Background()
	if err := g.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer g.Teardown(ctx)

	out := &collector{}
	if err := g.Shoot(ctx, sample.Task{}, out); err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	if err := g.Shoot(ctx, sample.Task{Payload: ammo.Record{"message": `{"service":"missing"}`}}, out); err == nil {
		t.Fatal("expected NotFound for unknown service")
	}
	if err := g.Shoot(ctx, sample.Task{Payload: "{not json"}, out); err == nil {
		t.Fatal("expected invalid payload error")
	}

	got := out.all()
	if got[0].Error || got[0].Code != "OK" {
		t.Fatalf("unexpected success sample %+v", got[0])
	}
	if !got[1].Error || got[1].Code != "NOTFOUND" {
		t.Fatalf("unexpected not found sample %+v", got[1])
	}
	if !got[2].Error || !strings.HasPrefix(got[2].Code, "INVALID") {
		t.Fatalf("unexpected invalid payload sample %+v", got[2])
	}
	if m := g.ClientMetrics(); m.Errors != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestGRPCGunRequiresTarget(t *testing.T) {
	if _, err := NewGRPC(GRPCConfig{}); err == nil {
		t.Fatal("expected error without target")
	}
}
