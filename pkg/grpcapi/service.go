package grpcapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service. Every
// method takes and returns a google.protobuf.Struct.
const ServiceName = "flowfw.v1.Control"

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TableLookup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TableInsert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TableRemove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TableList(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TableFlush(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FlushRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FlushConns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryMethods lists the unary RPCs in service order.
var unaryMethods = []struct {
	name string
	fn   unaryMethod
}{
	{"Status", ControlServer.Status},
	{"Stats", ControlServer.Stats},
	{"TableLookup", ControlServer.TableLookup},
	{"TableInsert", ControlServer.TableInsert},
	{"TableRemove", ControlServer.TableRemove},
	{"TableList", ControlServer.TableList},
	{"TableFlush", ControlServer.TableFlush},
	{"AddRule", ControlServer.AddRule},
	{"RemoveRule", ControlServer.RemoveRule},
	{"ListRules", ControlServer.ListRules},
	{"FlushRules", ControlServer.FlushRules},
	{"ListConns", ControlServer.ListConns},
	{"FlushConns", ControlServer.FlushConns},
	{"ExportConfig", ControlServer.ExportConfig},
	{"Reload", ControlServer.Reload},
}

// Methods returns the names of the unary RPCs.
func Methods() []string {
	out := make([]string, len(unaryMethods))
	for i, m := range unaryMethods {
		out[i] = m.name
	}
	return out
}

func unaryHandler(name string, fn unaryMethod) grpc.MethodHandler {
	full := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, stream)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = func() grpc.ServiceDesc {
	d := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ControlServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		}},
		Metadata: "flowfw/v1/control",
	}
	for _, m := range unaryMethods {
		d.Methods = append(d.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.fn)})
	}
	return d
}()

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// toStruct converts a JSON-encodable value to a Struct. v must encode
// as a JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

// fromStruct decodes st into the JSON-tagged value v.
func fromStruct(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
