package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/rpccontract"
)

var watchStream = &grpc.StreamDesc{
	StreamName:    "Watch",
	ServerStreams: true,
}

// Watch opens the push stream and calls handle for every message, the first
// being initial-state. It returns when ctx is done, handle returns an
// error, or the server ends the stream. A clean server shutdown returns
// io.EOF.
func (c *Client) Watch(ctx context.Context, handle func(hub.Message) error) error {
	stream, err := c.conn.NewStream(ctx, watchStream, rpccontract.MethodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		frame := &structpb.Struct{}
		if err := stream.RecvMsg(frame); err != nil {
			return err
		}
		serialized, err := json.Marshal(frame.AsMap())
		if err != nil {
			return fmt.Errorf("encode push frame: %w", err)
		}
		var msg hub.Message
		if err := json.Unmarshal(serialized, &msg); err != nil {
			return fmt.Errorf("decode push frame: %w", err)
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

// Follow keeps a Watch open across disconnects, reconnecting after backoff
// whenever the server drops the stream or becomes unavailable. Each
// reconnect starts with a fresh initial-state. It returns on ctx
// cancellation or on an error from handle or the server that is not
// transient.
func (c *Client) Follow(ctx context.Context, backoff time.Duration, handle func(hub.Message) error) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		err := c.Watch(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !reconnectable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func reconnectable(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
