package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the gRPC service carrying gossip streams.
	ServiceName  = "seaport.Gossip"
	streamName   = "Stream"
	streamMethod = "/" + ServiceName + "/" + streamName
)

// gossipServer is the handler type checked by grpc.RegisterService.
type gossipServer interface {
	serveStream(stream grpc.ServerStream) error
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*gossipServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       gossipStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "seaport/gossip",
}

func gossipStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(gossipServer).serveStream(stream)
}

type grpcServer struct {
	handler Handler
}

// RegisterGossipServer serves gossip streams on s, handing each accepted
// stream to h.
func RegisterGossipServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&gossipServiceDesc, &grpcServer{handler: h})
}

func (s *grpcServer) serveStream(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	remote := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = hostOnly(p.Addr.String())
	}

	conn := newMsgConn(
		func() ([]byte, error) {
			msg := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(msg); err != nil {
				return nil, recvErr(err)
			}
			return msg.GetValue(), nil
		},
		func(b []byte) error {
			return stream.SendMsg(wrapperspb.Bytes(b))
		},
		func() error {
			cancel()
			return nil
		},
	)
	defer conn.Close()

	if err := s.handler(ctx, conn, remote); err != nil {
		glog.V(1).Infof("gossip stream from %s ended: %v", remote, err)
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

// Dial creates a client connection to a gossip server. Connections are
// established lazily by OpenStream.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return cc, nil
}

// OpenStream starts a gossip stream on cc. The stream lives until it is
// closed or ctx is cancelled.
func OpenStream(ctx context.Context, cc grpc.ClientConnInterface) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := cc.NewStream(ctx, &gossipServiceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open gossip stream: %w", err)
	}
	return newMsgConn(
		func() ([]byte, error) {
			msg := new(wrapperspb.BytesValue)
			if err := cs.RecvMsg(msg); err != nil {
				return nil, recvErr(err)
			}
			return msg.GetValue(), nil
		},
		func(b []byte) error {
			return cs.SendMsg(wrapperspb.Bytes(b))
		},
		func() error {
			err := cs.CloseSend()
			cancel()
			return err
		},
	), nil
}

// recvErr reports cancellation by either side as a clean end of stream.
func recvErr(err error) error {
	if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return io.EOF
	}
	return err
}
