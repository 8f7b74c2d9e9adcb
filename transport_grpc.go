// transport_grpc.go: gRPC link to the coordinating process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service and method names of the module host service. Payloads are JSON
// documents carried in google.protobuf.BytesValue.
const (
	HostServiceName        = "modloader.ModuleHost"
	methodListModules      = "/" + HostServiceName + "/ListModules"
	methodUpdateModuleInfo = "/" + HostServiceName + "/UpdateModuleInfo"
)

const maxHostMessageSize = 4 * 1024 * 1024

var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: HostServiceName,
	HandlerType: (*HostTransport)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListModules", Handler: listModulesHandler},
		{MethodName: "UpdateModuleInfo", Handler: updateModuleInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modloader/host.proto",
}

// RegisterHostServer exposes impl as the module host service on s.
func RegisterHostServer(s grpc.ServiceRegistrar, impl HostTransport) {
	s.RegisterService(&hostServiceDesc, impl)
}

func listModulesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, _ any) (any, error) {
		list, err := srv.(HostTransport).ListModules(ctx)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		if list == nil {
			list = []ModuleDescriptor{}
		}
		payload, err := json.Marshal(list)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return wrapperspb.Bytes(payload), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListModules}
	return interceptor(ctx, in, info, call)
}

func updateModuleInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		var d ModuleDescriptor
		if err := json.Unmarshal(req.(*wrapperspb.BytesValue).GetValue(), &d); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := d.Validate(); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(HostTransport).UpdateModuleInfo(ctx, d); err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUpdateModuleInfo}
	return interceptor(ctx, in, info, call)
}

// RegistryHostService serves a ModuleRegistry as the coordinating process.
type RegistryHostService struct {
	Registry *ModuleRegistry
}

// ListModules implements HostTransport.
func (s RegistryHostService) ListModules(context.Context) ([]ModuleDescriptor, error) {
	return s.Registry.List(), nil
}

// UpdateModuleInfo implements HostTransport. Unknown modules are inserted;
// known ones have their descriptor replaced.
func (s RegistryHostService) UpdateModuleInfo(ctx context.Context, d ModuleDescriptor) error {
	logger := LoggerFromContext(ctx)
	if _, ok := s.Registry.Get(d.Name); !ok {
		if !s.Registry.Insert(d) {
			return NewInvalidDescriptorError(d.Name, "descriptor was not accepted")
		}
		logger.Info("Module registered by update", "module", d.Name, "version", d.Version)
		return nil
	}
	if err := s.Registry.ReplaceDescriptor(d.Name, d); err != nil {
		logger.Warn("Module update rejected", "module", d.Name, "version", d.Version, "error", err)
		return err
	}
	logger.Info("Module descriptor replaced", "module", d.Name, "version", d.Version)
	return nil
}

// LoggerInterceptor attaches logger, tagged with the called method, to the
// context of every host service call.
func LoggerInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(ContextWithLogger(ctx, logger.With("method", info.FullMethod)), req)
	}
}

// GRPCHostTransport is a HostTransport client over gRPC.
type GRPCHostTransport struct {
	endpoint string
	conn     *grpc.ClientConn
	closed   atomic.Bool
}

// NewGRPCHostTransport creates a client for endpoint. Without options the
// connection uses insecure credentials.
func NewGRPCHostTransport(endpoint string, opts ...grpc.DialOption) (*GRPCHostTransport, error) {
	if endpoint == "" {
		return nil, NewHostTransportError("connect", fmt.Errorf("endpoint is required"))
	}
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(maxHostMessageSize),
		grpc.MaxCallSendMsgSize(maxHostMessageSize),
	))
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, NewHostTransportError("connect", err).WithContext("endpoint", endpoint)
	}
	return &GRPCHostTransport{endpoint: endpoint, conn: conn}, nil
}

// Endpoint returns the target address.
func (t *GRPCHostTransport) Endpoint() string { return t.endpoint }

// ListModules implements HostTransport.
func (t *GRPCHostTransport) ListModules(ctx context.Context) ([]ModuleDescriptor, error) {
	out := new(wrapperspb.BytesValue)
	if err := t.conn.Invoke(ctx, methodListModules, &emptypb.Empty{}, out); err != nil {
		return nil, grpcCallError("ListModules", err)
	}
	var list []ModuleDescriptor
	if err := json.Unmarshal(out.GetValue(), &list); err != nil {
		return nil, NewHostTransportError("ListModules", err)
	}
	return list, nil
}

// UpdateModuleInfo implements HostTransport.
func (t *GRPCHostTransport) UpdateModuleInfo(ctx context.Context, d ModuleDescriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return NewHostTransportError("UpdateModuleInfo", err)
	}
	if err := t.conn.Invoke(ctx, methodUpdateModuleInfo, wrapperspb.Bytes(payload), new(emptypb.Empty)); err != nil {
		return grpcCallError("UpdateModuleInfo", err)
	}
	return nil
}

// Close releases the connection.
func (t *GRPCHostTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

func grpcCallError(method string, err error) error {
	e := NewHostTransportError(method, err)
	if st, ok := status.FromError(err); ok {
		e = e.WithContext("grpc_code", st.Code().String())
	}
	return e
}
