package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/host"
)

// GameServiceServer is pinquiz.v1.GameService. Requests and responses are
// google.protobuf.Struct messages carrying the same JSON as the HTTP API.
type GameServiceServer interface {
	CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AddQuestion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartGame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	NextRound(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EndGame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetLeaderboard(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

const gameServiceName = "pinquiz.v1.GameService"

var gameServiceDesc = grpc.ServiceDesc{
	ServiceName: gameServiceName,
	HandlerType: (*GameServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSession", Handler: unaryHandler("CreateSession", GameServiceServer.CreateSession)},
		{MethodName: "AddQuestion", Handler: unaryHandler("AddQuestion", GameServiceServer.AddQuestion)},
		{MethodName: "StartGame", Handler: unaryHandler("StartGame", GameServiceServer.StartGame)},
		{MethodName: "NextRound", Handler: unaryHandler("NextRound", GameServiceServer.NextRound)},
		{MethodName: "EndGame", Handler: unaryHandler("EndGame", GameServiceServer.EndGame)},
		{MethodName: "GetLeaderboard", Handler: unaryHandler("GetLeaderboard", GameServiceServer.GetLeaderboard)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pinquiz/v1/game.proto",
}

func RegisterGameServiceServer(s grpc.ServiceRegistrar, srv GameServiceServer) {
	s.RegisterService(&gameServiceDesc, srv)
}

type unaryMethod func(srv GameServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GameServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + gameServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GameServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GameServiceClient calls pinquiz.v1.GameService.
type GameServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewGameServiceClient(cc grpc.ClientConnInterface) *GameServiceClient {
	return &GameServiceClient{cc: cc}
}

// Call invokes method with req encoded as a Struct and decodes the response into resp.
func (c *GameServiceClient) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+gameServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}

	return fromStruct(out, resp)
}

func (a *API) CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, a.createSession)
}

func (a *API) AddQuestion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, a.addQuestion)
}

func (a *API) StartGame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, func(ctx context.Context, req GameRequest) (host.View, error) {
		return a.control(ctx, req, (*host.Game).StartGame)
	})
}

func (a *API) NextRound(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, func(ctx context.Context, req GameRequest) (host.View, error) {
		return a.control(ctx, req, (*host.Game).AdvanceRound)
	})
}

func (a *API) EndGame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, a.endGame)
}

func (a *API) GetLeaderboard(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return serveStruct(ctx, req, a.getLeaderboard)
}

func serveStruct[Req, Resp any](ctx context.Context, in *structpb.Struct, fn func(ctx context.Context, req Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := fromStruct(in, &req); err != nil {
		return nil, errors.InvalidArgument("invalid request: %v", err)
	}

	resp, err := fn(ctx, req)
	if err != nil {
		return nil, errors.Convert(err)
	}

	out, err := toStruct(resp)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
