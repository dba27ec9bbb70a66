package grpcx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/rpccontract"
	"github.com/bcrosbie/activityhub/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type ActivityHubServer interface {
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatistics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRecentActivities(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	ListLiveActivities(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListSamples(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	GetEntityMetrics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetActivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BeginActivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndActivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddChild(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestSample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateEntityMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of the Watch stream. Each message is one
// push frame: {"type": ..., "data": ...}.
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type ActivityHubHandler struct {
	monitor *service.MonitorService
	fanout  *hub.Hub
}

// NewActivityHubHandler serves monitor over gRPC. fanout may be nil, in
// which case Watch fails with FailedPrecondition.
func NewActivityHubHandler(monitor *service.MonitorService, fanout *hub.Hub) *ActivityHubHandler {
	return &ActivityHubHandler{monitor: monitor, fanout: fanout}
}

func RegisterActivityHubServer(server *grpc.Server, handler ActivityHubServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.ServiceName,
		HandlerType: (*ActivityHubServer)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod(rpccontract.MethodGetHealth, func(s ActivityHubServer, ctx context.Context, req *emptypb.Empty) (any, error) {
				return s.GetHealth(ctx, req)
			}),
			unaryMethod(rpccontract.MethodGetStatistics, func(s ActivityHubServer, ctx context.Context, req *emptypb.Empty) (any, error) {
				return s.GetStatistics(ctx, req)
			}),
			unaryMethod(rpccontract.MethodListRecentActivities, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.ListRecentActivities(ctx, req)
			}),
			unaryMethod(rpccontract.MethodListLiveActivities, func(s ActivityHubServer, ctx context.Context, req *emptypb.Empty) (any, error) {
				return s.ListLiveActivities(ctx, req)
			}),
			unaryMethod(rpccontract.MethodListSamples, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.ListSamples(ctx, req)
			}),
			unaryMethod(rpccontract.MethodGetEntityMetrics, func(s ActivityHubServer, ctx context.Context, req *emptypb.Empty) (any, error) {
				return s.GetEntityMetrics(ctx, req)
			}),
			unaryMethod(rpccontract.MethodGetSnapshot, func(s ActivityHubServer, ctx context.Context, req *emptypb.Empty) (any, error) {
				return s.GetSnapshot(ctx, req)
			}),
			unaryMethod(rpccontract.MethodGetActivity, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.GetActivity(ctx, req)
			}),
			unaryMethod(rpccontract.MethodBeginActivity, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.BeginActivity(ctx, req)
			}),
			unaryMethod(rpccontract.MethodEndActivity, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.EndActivity(ctx, req)
			}),
			unaryMethod(rpccontract.MethodAddChild, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.AddChild(ctx, req)
			}),
			unaryMethod(rpccontract.MethodIngestSample, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.IngestSample(ctx, req)
			}),
			unaryMethod(rpccontract.MethodUpdateEntityMetrics, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.UpdateEntityMetrics(ctx, req)
			}),
			unaryMethod(rpccontract.MethodSetEnabled, func(s ActivityHubServer, ctx context.Context, req *structpb.Struct) (any, error) {
				return s.SetEnabled(ctx, req)
			}),
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    methodName(rpccontract.MethodWatch),
				Handler:       watchHandler,
				ServerStreams: true,
			},
		},
		Metadata: "proto/activityhub/v1/hub.proto",
	}, handler)
}

func (h *ActivityHubHandler) GetHealth(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.monitor.Health())
}

func (h *ActivityHubHandler) GetStatistics(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.monitor.Statistics())
}

type limitRequest struct {
	Limit int64 `json:"limit"`
}

func (h *ActivityHubHandler) ListRecentActivities(_ context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[limitRequest](request)
	if err != nil {
		return nil, err
	}
	items, err := h.monitor.RecentActivities(decoded.Limit)
	if err != nil {
		return nil, err
	}
	return toList(items)
}

func (h *ActivityHubHandler) ListLiveActivities(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return toList(h.monitor.LiveActivities())
}

func (h *ActivityHubHandler) ListSamples(_ context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[limitRequest](request)
	if err != nil {
		return nil, err
	}
	items, err := h.monitor.Samples(decoded.Limit)
	if err != nil {
		return nil, err
	}
	return toList(items)
}

func (h *ActivityHubHandler) GetEntityMetrics(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.monitor.EntityMetrics())
}

func (h *ActivityHubHandler) GetSnapshot(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.monitor.Snapshot())
}

type idRequest struct {
	ID string `json:"id"`
}

func (h *ActivityHubHandler) GetActivity(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[idRequest](request)
	if err != nil {
		return nil, err
	}
	activity, err := h.monitor.GetActivity(decoded.ID)
	if err != nil {
		return nil, err
	}
	return toStruct(activity)
}

func (h *ActivityHubHandler) BeginActivity(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.BeginActivityRequest](request)
	if err != nil {
		return nil, err
	}
	began, err := h.monitor.BeginActivity(decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(began)
}

func (h *ActivityHubHandler) EndActivity(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.EndActivityRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.monitor.EndActivity(decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *ActivityHubHandler) AddChild(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.AddChildRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.monitor.AddChild(decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *ActivityHubHandler) IngestSample(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[domain.SystemMetricSample](request)
	if err != nil {
		return nil, err
	}
	if err := h.monitor.IngestSample(decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *ActivityHubHandler) UpdateEntityMetrics(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.UpdateEntityMetricsRequest](request)
	if err != nil {
		return nil, err
	}
	if err := h.monitor.UpdateEntityMetrics(decoded); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"ok": true})
}

func (h *ActivityHubHandler) SetEnabled(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.SetEnabledRequest](request)
	if err != nil {
		return nil, err
	}
	return toStruct(h.monitor.SetEnabled(decoded))
}

// Watch streams push frames until the client goes away or the server shuts
// down. A client dropped for falling behind gets ResourceExhausted and is
// expected to reconnect for a fresh snapshot.
func (h *ActivityHubHandler) Watch(_ *structpb.Struct, stream WatchServer) error {
	if h.fanout == nil {
		return status.Error(codes.FailedPrecondition, "push mode is not enabled on this server")
	}

	sink := hub.SinkFunc(func(_ context.Context, msg hub.Message) error {
		frame, err := toStruct(msg)
		if err != nil {
			return err
		}
		return stream.Send(frame)
	})

	err := h.fanout.Attach(stream.Context(), sink)
	switch {
	case err == nil, errors.Is(err, hub.ErrClosed):
		return nil
	case errors.Is(err, hub.ErrSlowConsumer):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return err
	}
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response", err)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func toList(value any) (*structpb.ListValue, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response list", err)
	}

	decoded := []any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response list", err)
	}
	result, err := structpb.NewList(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf list", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	if input == nil {
		return out, nil
	}
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, domain.InvalidArgument("request payload could not be encoded")
	}
	// Numbers stay json.Number so integral attribute values decode as ints.
	decoder := json.NewDecoder(bytes.NewReader(serialized))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return out, domain.InvalidArgument("request payload shape is invalid")
	}
	return out, nil
}

func methodName(fullMethod string) string {
	return strings.TrimPrefix(fullMethod, "/"+rpccontract.ServiceName+"/")
}

// unaryMethod builds the MethodDesc for one unary RPC, running it through
// the server's interceptor chain when there is one.
func unaryMethod[Req any](fullMethod string, call func(ActivityHubServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: methodName(fullMethod),
		Handler: func(
			srv any,
			ctx context.Context,
			decoder func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			request := new(Req)
			if err := decoder(request); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ActivityHubServer), ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ActivityHubServer), ctx, req.(*Req))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(frame *structpb.Struct) error {
	return w.ServerStream.SendMsg(frame)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	request := new(structpb.Struct)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(ActivityHubServer).Watch(request, &watchServer{stream})
}
