package handlers

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// PermissionServiceName is the fully qualified gRPC service name
const PermissionServiceName = "kanshi.v1.PermissionService"

// PermissionServiceServer is the server API for kanshi.v1.PermissionService.
// Requests and responses are JSON objects carried as google.protobuf.Struct.
type PermissionServiceServer interface {
	CheckPermission(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolvePermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SavePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeletePolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateUserPermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteUserPermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAuditLog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyAuditLog(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(PermissionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PermissionServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(PermissionServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + PermissionServiceName + "/" + name
}

// PermissionServiceDesc is the grpc.ServiceDesc for kanshi.v1.PermissionService
var PermissionServiceDesc = grpc.ServiceDesc{
	ServiceName: PermissionServiceName,
	HandlerType: (*PermissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CheckPermission", PermissionServiceServer.CheckPermission),
		unaryMethod("ResolvePermissions", PermissionServiceServer.ResolvePermissions),
		unaryMethod("AddRole", PermissionServiceServer.AddRole),
		unaryMethod("DeleteRole", PermissionServiceServer.DeleteRole),
		unaryMethod("SavePolicy", PermissionServiceServer.SavePolicy),
		unaryMethod("DeletePolicy", PermissionServiceServer.DeletePolicy),
		unaryMethod("UpdateUserPermissions", PermissionServiceServer.UpdateUserPermissions),
		unaryMethod("DeleteUserPermissions", PermissionServiceServer.DeleteUserPermissions),
		unaryMethod("GetAuditLog", PermissionServiceServer.GetAuditLog),
		unaryMethod("VerifyAuditLog", PermissionServiceServer.VerifyAuditLog),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterPermissionServiceServer registers srv on s
func RegisterPermissionServiceServer(s grpc.ServiceRegistrar, srv PermissionServiceServer) {
	s.RegisterService(&PermissionServiceDesc, srv)
}
