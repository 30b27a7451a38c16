package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cadenza-automation/cadenza/internal/types"
)

const (
	IngestServiceName = "cadenza.events.v1.EventIngest"
	PublishMethod     = "/" + IngestServiceName + "/Publish"
)

// EventIngestServer accepts events as google.protobuf.Struct messages with
// keys id, trigger_kind, custom_kind, platform, event, fields and
// occurred_at (RFC 3339).
type EventIngestServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Deliverer routes an event to its listener. *listener.Pool implements it.
type Deliverer interface {
	Deliver(ctx context.Context, ev types.Event) error
}

// Ingest implements EventIngestServer on top of a Deliverer.
type Ingest struct {
	sink Deliverer
}

func NewIngest(sink Deliverer) *Ingest {
	return &Ingest{sink: sink}
}

func (i *Ingest) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ev, err := EventFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := i.sink.Deliver(ctx, ev); err != nil {
		return nil, status.Error(codeFor(err), err.Error())
	}
	return structpb.NewStruct(map[string]any{"event_id": string(ev.ID)})
}

// EventFromStruct converts an ingest request into an event with its
// identity resolved.
func EventFromStruct(s *structpb.Struct) (types.Event, error) {
	if s == nil {
		return types.Event{}, fmt.Errorf("%w: empty request", types.ErrValidation)
	}
	str := func(key string) string { return s.GetFields()[key].GetStringValue() }
	ev := types.Event{
		ID:          types.EventID(str("id")),
		TriggerKind: types.TriggerKind(str("trigger_kind")),
		CustomKind:  str("custom_kind"),
		Platform:    types.PlatformID(str("platform")),
		Name:        str("event"),
		OccurredAt:  time.Now().UTC(),
	}
	if f := s.GetFields()["fields"].GetStructValue(); f != nil {
		ev.Fields = f.AsMap()
	}
	verr := &types.ValidationError{}
	if ts := str("occurred_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			verr.Add("occurred_at", "must be an RFC 3339 timestamp")
		}
		ev.OccurredAt = t.UTC()
	}
	if !ev.TriggerKind.Valid() {
		verr.Add("trigger_kind", fmt.Sprintf("unknown trigger kind %q", ev.TriggerKind))
	}
	if ev.TriggerKind == types.TriggerCustom && ev.CustomKind == "" {
		verr.Add("custom_kind", "required for custom triggers")
	}
	if ev.Platform == "" {
		verr.Add("platform", "required")
	}
	if ev.Name == "" {
		verr.Add("event", "required")
	}
	if err := verr.OrNil(); err != nil {
		return types.Event{}, err
	}
	ev.ID = ev.Identity()
	return ev, nil
}

// PlatformOf reads the platform key for signature verification.
func PlatformOf(req any) (types.PlatformID, bool) {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return "", false
	}
	id := s.GetFields()["platform"].GetStringValue()
	return types.PlatformID(id), id != ""
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, types.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrNoListener):
		return codes.NotFound
	case errors.Is(err, types.ErrListenerSuspended), errors.Is(err, types.ErrEngineStopped):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(EventIngestServer)
	if interceptor == nil {
		return s.Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServiceDesc describes EventIngest without generated code; the
// messages are well-known Struct types.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*EventIngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cadenza/events/v1/ingest.proto",
}
