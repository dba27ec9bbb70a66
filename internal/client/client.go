// Package client talks to an activityhub server over gRPC. Producers use it
// to report activities; observers use Watch to follow the push stream.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/rpccontract"
	"github.com/bcrosbie/activityhub/internal/service"
)

const (
	DefaultAddr           = "127.0.0.1:50051"
	DefaultRequestTimeout = 5 * time.Second
	DefaultRetryAttempts  = 3
)

type Options struct {
	Addr           string
	Token          string
	Insecure       bool
	RequestTimeout time.Duration
	RetryAttempts  int
	// DialOptions are appended to the defaults, mainly so tests can dial an
	// in-memory listener.
	DialOptions []grpc.DialOption
}

type Client struct {
	conn          *grpc.ClientConn
	token         string
	requestTO     time.Duration
	retryAttempts int
}

type BeginInput struct {
	Kind       domain.Kind
	Label      string
	Attributes map[string]any
	ParentID   string
}

type EndInput struct {
	ID         string
	Status     domain.Status
	Attributes map[string]any
}

func New(opts Options) (*Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	cred := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if opts.Insecure || isLoopback(addr) {
		cred = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	dialOptions := append([]grpc.DialOption{
		cred,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                25 * time.Second,
			Timeout:             6 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(addr, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Trigger initial connect attempt on startup.
	conn.Connect()

	requestTO := opts.RequestTimeout
	if requestTO <= 0 {
		requestTO = DefaultRequestTimeout
	}
	return &Client{
		conn:          conn,
		token:         strings.TrimSpace(opts.Token),
		requestTO:     requestTO,
		retryAttempts: opts.RetryAttempts,
	}, nil
}

func isLoopback(addr string) bool {
	for _, prefix := range []string{"127.0.0.1:", "localhost:", "[::1]:", "passthrough:", "unix:"} {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Begin reports a new activity and returns its id. The id is empty when
// monitoring is disabled on the server; End accepts it anyway.
func (c *Client) Begin(ctx context.Context, input BeginInput) (string, error) {
	response, err := c.invokeStruct(ctx, rpccontract.MethodBeginActivity, map[string]any{
		"kind":       string(input.Kind),
		"label":      strings.TrimSpace(input.Label),
		"attributes": plainAttributes(input.Attributes),
		"parent_id":  strings.TrimSpace(input.ParentID),
	})
	if err != nil {
		return "", err
	}
	var began service.BeginActivityResponse
	if err := decodeMap(response, &began); err != nil {
		return "", err
	}
	return began.ID, nil
}

func (c *Client) End(ctx context.Context, input EndInput) error {
	_, err := c.invokeStruct(ctx, rpccontract.MethodEndActivity, map[string]any{
		"id":         strings.TrimSpace(input.ID),
		"status":     string(input.Status),
		"attributes": plainAttributes(input.Attributes),
	})
	return err
}

func (c *Client) AddChild(ctx context.Context, parentID, childID string) error {
	_, err := c.invokeStruct(ctx, rpccontract.MethodAddChild, map[string]any{
		"parent_id": parentID,
		"child_id":  childID,
	})
	return err
}

func (c *Client) IngestSample(ctx context.Context, sample domain.SystemMetricSample) error {
	payload, err := toMap(sample)
	if err != nil {
		return err
	}
	_, err = c.invokeStruct(ctx, rpccontract.MethodIngestSample, payload)
	return err
}

func (c *Client) UpdateEntityMetrics(ctx context.Context, request service.UpdateEntityMetricsRequest) error {
	payload, err := toMap(request)
	if err != nil {
		return err
	}
	_, err = c.invokeStruct(ctx, rpccontract.MethodUpdateEntityMetrics, payload)
	return err
}

func (c *Client) SetEnabled(ctx context.Context, enabled bool) (bool, error) {
	response, err := c.invokeStruct(ctx, rpccontract.MethodSetEnabled, map[string]any{"enabled": enabled})
	if err != nil {
		return false, err
	}
	current, _ := response["enabled"].(bool)
	return current, nil
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	response := &structpb.Struct{}
	if err := c.invoke(ctx, rpccontract.MethodGetHealth, &emptypb.Empty{}, response); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}

func (c *Client) Statistics(ctx context.Context) (domain.Statistics, error) {
	var out domain.Statistics
	err := c.query(ctx, rpccontract.MethodGetStatistics, &emptypb.Empty{}, &structpb.Struct{}, &out)
	return out, err
}

func (c *Client) RecentActivities(ctx context.Context, limit int64) ([]domain.Activity, error) {
	var out []domain.Activity
	err := c.query(ctx, rpccontract.MethodListRecentActivities, limitRequest(limit), &structpb.ListValue{}, &out)
	return out, err
}

func (c *Client) LiveActivities(ctx context.Context) ([]domain.Activity, error) {
	var out []domain.Activity
	err := c.query(ctx, rpccontract.MethodListLiveActivities, &emptypb.Empty{}, &structpb.ListValue{}, &out)
	return out, err
}

func (c *Client) Samples(ctx context.Context, limit int64) ([]domain.SystemMetricSample, error) {
	var out []domain.SystemMetricSample
	err := c.query(ctx, rpccontract.MethodListSamples, limitRequest(limit), &structpb.ListValue{}, &out)
	return out, err
}

func (c *Client) EntityMetrics(ctx context.Context) (map[string]domain.EntityMetrics, error) {
	out := map[string]domain.EntityMetrics{}
	err := c.query(ctx, rpccontract.MethodGetEntityMetrics, &emptypb.Empty{}, &structpb.Struct{}, &out)
	return out, err
}

func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var out domain.Snapshot
	err := c.query(ctx, rpccontract.MethodGetSnapshot, &emptypb.Empty{}, &structpb.Struct{}, &out)
	return out, err
}

func (c *Client) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	var out domain.Activity
	request, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return out, err
	}
	err = c.query(ctx, rpccontract.MethodGetActivity, request, &structpb.Struct{}, &out)
	return out, err
}

func limitRequest(limit int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"limit": structpb.NewNumberValue(float64(limit)),
	}}
}

// query invokes method and decodes the struct or list response into out
// through JSON, which is the shape the server encoded it from.
func (c *Client) query(ctx context.Context, method string, request, response proto.Message, out any) error {
	if err := c.invoke(ctx, method, request, response); err != nil {
		return err
	}
	var plain any
	switch typed := response.(type) {
	case *structpb.Struct:
		plain = typed.AsMap()
	case *structpb.ListValue:
		plain = typed.AsSlice()
	default:
		return fmt.Errorf("unsupported response type %T", response)
	}
	return decodeMap(plain, out)
}

func (c *Client) invokeStruct(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	request, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	response := &structpb.Struct{}
	if err := c.invoke(ctx, method, request, response); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}

func (c *Client) invoke(ctx context.Context, method string, request, response proto.Message) error {
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.requestTO)
		callCtx = c.withAuth(callCtx)

		invokeErr := c.conn.Invoke(callCtx, method, request, response)
		cancel()
		if invokeErr == nil {
			return nil
		}
		lastErr = invokeErr
		if !isRetryable(method, invokeErr) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, rpccontract.TokenHeader, c.token)
}

// isRetryable reports whether a failed call may be sent again. A write that
// timed out or was throttled may already have been applied, so writes are
// only retried when the server was never reached.
func isRetryable(method string, err error) bool {
	code := status.Code(err)
	if _, write := rpccontract.WriteMethods[method]; write {
		return code == codes.Unavailable
	}
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// plainAttributes converts values structpb cannot hold, such as time.Time
// or typed ints, through the domain value union.
func plainAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return map[string]any{}
	}
	out, err := toMap(domain.AttributesOf(attrs))
	if err != nil {
		return map[string]any{}
	}
	return out
}

func toMap(value any) (map[string]any, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}
	return out, nil
}

func decodeMap(value any, out any) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := json.Unmarshal(serialized, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
