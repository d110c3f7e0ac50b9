package consensus

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ocx/tunnelmesh/pb"
)

const serviceName = "tunnelmesh.consensus.Consensus"

// Server adapts a Node to grpc's generic service-registration API. This
// plays the role a protoc-generated *_grpc.pb.go file would normally play;
// it's hand-written because it only needs to route three RPCs to Node
// methods, not reproduce a compiler.
type Server struct {
	node *Node
}

func NewServer(node *Node) *Server {
	return &Server{node: node}
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	req := new(pb.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return s.node.HandleAppendEntries(req), nil
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	req := new(pb.RequestVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return s.node.HandleRequestVote(req), nil
}

func proposeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s := srv.(*Server)
	req := new(pb.ProposeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return s.node.Propose(req.Command), nil
}

// ServiceDesc is registered with a *grpc.Server via RegisterService, the
// same entry point generated stubs use. Each handler already matches
// grpc.methodHandler's signature, so no adapter layer is needed between
// them and grpc's dispatch.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "Propose", Handler: proposeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tunnelmesh/consensus.proto",
}

// Register attaches this consensus service to an existing *grpc.Server.
func Register(gs *grpc.Server, node *Node) {
	gs.RegisterService(&ServiceDesc, NewServer(node))
}
