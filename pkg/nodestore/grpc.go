// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package nodestore

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
)

// serviceName is the grpc service path this module dials, grounded on the
// teacher's rpc/context.go GRPCDial/caching pattern (SPEC_FULL.md §3.5):
// the admin surface itself stays transport-agnostic, but the store
// boundary is where this module exercises a concrete grpc client.
const serviceName = "logflow.nodestore.VersionedConfigStore"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*grpcServerImpl)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateConfigSync", Handler: updateConfigSyncHandler},
		{MethodName: "GetConfigSync", Handler: getConfigSyncHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nodestore.proto",
}

// grpcServerImpl adapts a backing Store to the grpc.ServiceDesc above.
type grpcServerImpl struct {
	backing Store
}

func updateConfigSyncHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wireUpdateRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	impl := srv.(*grpcServerImpl)
	if interceptor == nil {
		return impl.updateConfigSync(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateConfigSync"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return impl.updateConfigSync(ctx, req.(*wireUpdateRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getConfigSyncHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(emptyRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	impl := srv.(*grpcServerImpl)
	if interceptor == nil {
		return impl.getConfigSync(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetConfigSync"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return impl.getConfigSync(ctx, req.(*emptyRequest))
	}
	return interceptor(ctx, req, info, handler)
}

type emptyRequest struct{}

func (s *grpcServerImpl) updateConfigSync(ctx context.Context, req *wireUpdateRequest) (*wireUpdateResponse, error) {
	res, err := s.backing.UpdateConfigSync(ctx, req.Value, req.BaseVersion)
	if err != nil {
		return nil, err
	}
	return &wireUpdateResponse{Status: int8(res.Status), NewVersion: res.NewVersion, ReadBack: res.ReadBack}, nil
}

func (s *grpcServerImpl) getConfigSync(ctx context.Context, _ *emptyRequest) (*wireGetResponse, error) {
	value, version, err := s.backing.GetConfigSync(ctx)
	if err != nil {
		return nil, err
	}
	return &wireGetResponse{Value: value, Version: version}, nil
}

// RegisterGRPCServer registers backing as a nodestore GRPC service on
// server, using the JSON codec installed in codec.go rather than generated
// protobuf marshaling.
func RegisterGRPCServer(server *grpc.Server, backing Store) {
	server.RegisterService(&serviceDesc, &grpcServerImpl{backing: backing})
}

// GRPC is a Store implementation backed by a grpc.ClientConn dialed to a
// RegisterGRPCServer endpoint (SPEC_FULL.md §3.5).
type GRPC struct {
	cc *grpc.ClientConn
}

// NewGRPC wraps an already-dialed connection (typically produced with
// grpc.Dial(addr, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)), ...)).
func NewGRPC(cc *grpc.ClientConn) *GRPC {
	return &GRPC{cc: cc}
}

// UpdateConfigSync implements Store by invoking the remote service.
func (g *GRPC) UpdateConfigSync(ctx context.Context, value []byte, baseVersion uint64) (UpdateResult, error) {
	req := &wireUpdateRequest{Value: value, BaseVersion: baseVersion}
	resp := new(wireUpdateResponse)
	if err := g.cc.Invoke(ctx, "/"+serviceName+"/UpdateConfigSync", req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return UpdateResult{}, errors.Wrap(err, "nodestore grpc UpdateConfigSync")
	}
	return UpdateResult{Status: Status(resp.Status), NewVersion: resp.NewVersion, ReadBack: resp.ReadBack}, nil
}

// GetConfigSync implements Store by invoking the remote service.
func (g *GRPC) GetConfigSync(ctx context.Context) ([]byte, uint64, error) {
	resp := new(wireGetResponse)
	if err := g.cc.Invoke(ctx, "/"+serviceName+"/GetConfigSync", &emptyRequest{}, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, 0, errors.Wrap(err, "nodestore grpc GetConfigSync")
	}
	return resp.Value, resp.Version, nil
}
