package consensus

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/pb"
)

// Client implements Transport over grpc, dialing and caching one
// connection per peer address. It calls cc.Invoke directly with the
// fully-qualified method names ServiceDesc registers — exactly what a
// protoc-generated client stub does internally, just written by hand.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "dial consensus peer", err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) AppendEntries(ctx context.Context, addr string, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(pb.AppendEntriesResponse)
	if err := cc.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, resp); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "AppendEntries rpc", err)
	}
	return resp, nil
}

func (c *Client) RequestVote(ctx context.Context, addr string, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(pb.RequestVoteResponse)
	if err := cc.Invoke(ctx, "/"+serviceName+"/RequestVote", req, resp); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "RequestVote rpc", err)
	}
	return resp, nil
}

// Propose forwards a client command to the node at addr, which may itself
// respond NotLeader with a further hint (spec §4.9's NotLeader propagation
// chain — callers should follow at most one hop before giving up and
// re-resolving the leader from scratch).
func (c *Client) Propose(ctx context.Context, addr string, req *pb.ProposeRequest) (*pb.ProposeResponse, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(pb.ProposeResponse)
	if err := cc.Invoke(ctx, "/"+serviceName+"/Propose", req, resp); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "Propose rpc", err)
	}
	return resp, nil
}

// Close tears down all cached peer connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.conns {
		cc.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
}
