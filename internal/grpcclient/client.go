// Package grpcclient issues unary gRPC calls described by a .proto file at
// runtime, with JSON payloads converted through dynamic messages.
package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"

	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/tracing"
)

// Config holds configuration for the gRPC client.
type Config struct {
	Target    string
	ProtoFile string
	Service   string
	Method    string
	Metadata  map[string]string
	UseTLS    bool
	Insecure  bool
}

// Client invokes one method over a shared connection. gRPC multiplexes
// concurrent calls, so a single Client serves every executor.
type Client struct {
	cfg     Config
	method  *desc.MethodDescriptor
	md      metadata.MD
	metrics *clientmetrics.ClientMetrics

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient parses the proto file and resolves the method.
func NewClient(cfg Config) (*Client, error) {
	method, err := LoadMethod(cfg.ProtoFile, cfg.Service, cfg.Method)
	if err != nil {
		return nil, err
	}
	md := metadata.MD{}
	for k, v := range cfg.Metadata {
		key := strings.ToLower(strings.TrimSpace(k))
		if key != "" {
			md.Set(key, v)
		}
	}
	return &Client{cfg: cfg, method: method, md: md, metrics: clientmetrics.New()}, nil
}

// Connect creates the client connection. grpc.NewClient does not block, so
// transport errors surface on the first call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("client already connected")
	}
	conn, err := Dial(c.cfg)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Dial establishes a gRPC connection based on configuration.
func Dial(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	switch {
	case cfg.UseTLS && cfg.Insecure:
		creds = credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
	case cfg.UseTLS:
		creds = credentials.NewClientTLSFromCert(nil, "")
	default:
		creds = insecure.NewCredentials()
	}
	return grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(creds))
}

// FullMethod returns "/package.Service/Method".
func (c *Client) FullMethod() string {
	return fmt.Sprintf("/%s/%s", c.method.GetService().GetFullyQualifiedName(), c.method.GetName())
}

// Invoke sends payload (a JSON document for the input type) and returns the
// response as JSON together with the gRPC status code name.
func (c *Client) Invoke(ctx context.Context, payload string) ([]byte, string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, "", errors.New("client not connected")
	}

	req, err := BuildRequest(c.method, payload)
	if err != nil {
		return nil, "INVALID_PAYLOAD", fmt.Errorf("grpc request payload: %w", err)
	}
	resp := dynamic.NewMessage(c.method.GetOutputType())

	md := c.md.Copy()
	tracing.InjectGRPCMetadata(ctx, md)
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	reqProto := protoadapt.MessageV2Of(req)
	respProto := protoadapt.MessageV2Of(resp)

	err = conn.Invoke(ctx, c.FullMethod(), reqProto, respProto)
	code := status.Code(err).String()
	c.metrics.IncrementSent(int64(proto.Size(reqProto)))
	if err != nil {
		c.metrics.IncrementErrors()
		return nil, code, fmt.Errorf("grpc invoke: %w", err)
	}
	c.metrics.IncrementReceived(int64(proto.Size(respProto)))

	body, err := resp.MarshalJSON()
	if err != nil {
		return nil, code, fmt.Errorf("grpc response: %w", err)
	}
	return body, code, nil
}

// Metrics returns the transport counters.
func (c *Client) Metrics() clientmetrics.Snapshot { return c.metrics.Snapshot() }

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// LoadMethod parses protoPath and finds service/method in it.
func LoadMethod(protoPath, service, method string) (*desc.MethodDescriptor, error) {
	protoPath = strings.TrimSpace(protoPath)
	if protoPath == "" {
		return nil, errors.New("grpc proto_file is required")
	}
	parser := protoparse.Parser{ImportPaths: []string{filepath.Dir(protoPath)}}
	files, err := parser.ParseFiles(filepath.Base(protoPath))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", protoPath, err)
	}
	service = strings.TrimSpace(service)
	method = strings.TrimSpace(method)
	for _, file := range files {
		for _, svc := range file.GetServices() {
			if !matchesServiceName(svc, service) {
				continue
			}
			if m := svc.FindMethodByName(method); m != nil {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("method %s not found in service %s", method, service)
}

func matchesServiceName(svc *desc.ServiceDescriptor, target string) bool {
	if target == "" {
		return false
	}
	if svc.GetFullyQualifiedName() == target {
		return true
	}
	return svc.GetName() == target || strings.HasSuffix(target, "."+svc.GetName())
}

// BuildRequest decodes a JSON payload into the method's input message.
func BuildRequest(method *desc.MethodDescriptor, payload string) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(method.GetInputType())
	body := strings.TrimSpace(payload)
	if body == "" {
		body = "{}"
	}
	if err := msg.UnmarshalJSON([]byte(body)); err != nil {
		return nil, err
	}
	return msg, nil
}
