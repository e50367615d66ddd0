package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/appetiteclub/kds/services/kitchen/internal/auth"
	"github.com/appetiteclub/kds/services/kitchen/internal/bus"
	"github.com/appetiteclub/kds/services/kitchen/internal/reconcile"
	"github.com/aquamarinepk/aqm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventStreamService is the server side of kds.EventStream. Requests and
// frames travel as google.protobuf.Struct carrying their JSON form; the
// client side lives in pkg/kdsclient.
type EventStreamService interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var eventStreamDesc = grpc.ServiceDesc{
	ServiceName: "kds.EventStream",
	HandlerType: (*EventStreamService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kds/eventstream",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventStreamService).Subscribe(req, stream)
}

// GRPCServer serves display streams over gRPC.
type GRPCServer struct {
	opener *Opener
	logger aqm.Logger
}

func NewGRPCServer(opener *Opener, logger aqm.Logger) *GRPCServer {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &GRPCServer{opener: opener, logger: logger}
}

// RegisterGRPCService registers the stream service with the gRPC server.
func (s *GRPCServer) RegisterGRPCService(server *grpc.Server) {
	server.RegisterService(&eventStreamDesc, s)
}

// subscribeRequest is the JSON shape of the Subscribe request struct.
type subscribeRequest struct {
	Branch string `json:"branch"`
	Topics string `json:"topics"`
	Cursor uint64 `json:"cursor"`
}

func (s *GRPCServer) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()

	var req subscribeRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	topics, err := ParseTopics(req.Branch, req.Topics)
	if err != nil {
		return grpcError(err)
	}

	sess, err := s.opener.Open(ctx, OpenRequest{
		Token:  tokenFromMetadata(stream),
		Branch: req.Branch,
		Topics: topics,
		Cursor: req.Cursor,
	})
	if err != nil {
		s.logger.Info("gRPC stream refused", "branch", req.Branch, "error", err)
		return grpcError(err)
	}

	err = sess.Run(ctx, &grpcSender{stream: stream})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type grpcSender struct {
	stream grpc.ServerStream
}

func (s *grpcSender) Send(f Frame) error {
	msg, err := toStruct(f)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(msg)
}

func tokenFromMetadata(stream grpc.ServerStream) string {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if len(v) > 7 && v[:7] == "Bearer " {
			return v[7:]
		}
		return v
	}
	return ""
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, reconcile.ErrTimeout), errors.Is(err, bus.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, bus.ErrCursorExpired):
		return status.Error(codes.OutOfRange, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("cannot build struct: %w", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
