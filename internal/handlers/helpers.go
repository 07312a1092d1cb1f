package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallerMetadataKey carries the caller's user id on administrative calls
const CallerMetadataKey = "x-user-id"

// decodeStruct unmarshals a Struct into v through its JSON form
func decodeStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// encodeStruct marshals v into a Struct through its JSON form
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func invalidArgument(err error) error {
	return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
}

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, entities.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, entities.ErrSystemRoleProtected),
		errors.Is(err, entities.ErrAdminRequired):
		code = codes.PermissionDenied
	case errors.Is(err, entities.ErrRoleNotFound),
		errors.Is(err, entities.ErrUserNotFound),
		errors.Is(err, repositories.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, entities.ErrDuplicateSystemRole):
		code = codes.AlreadyExists
	case errors.Is(err, entities.ErrCyclicInheritance),
		errors.Is(err, entities.ErrRoleHasChildren):
		code = codes.FailedPrecondition
	case errors.Is(err, entities.ErrInvalidRole),
		errors.Is(err, entities.ErrMalformedPolicyRule),
		errors.Is(err, entities.ErrInvalidUserPermissions),
		errors.Is(err, entities.ErrInvalidCondition),
		errors.Is(err, entities.ErrUnknownResource),
		errors.Is(err, entities.ErrUnknownAction),
		errors.Is(err, entities.ErrUnknownScope):
		code = codes.InvalidArgument
	case errors.Is(err, entities.ErrPersistenceFailure):
		code = codes.Unavailable
	case errors.Is(err, entities.ErrAuditChainBroken):
		code = codes.DataLoss
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// CallerUnaryInterceptor attaches the caller named in the x-user-id metadata
// to the request context. isAdmin decides whether the caller is privileged.
// The header is trusted as is, so the server must sit behind an
// authenticating proxy.
func CallerUnaryInterceptor(isAdmin func(userID string) bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(CallerMetadataKey); len(ids) > 0 && ids[0] != "" {
				ctx = services.WithCaller(ctx, services.Caller{
					UserID:     ids[0],
					Privileged: isAdmin != nil && isAdmin(ids[0]),
				})
			}
		}
		return handler(ctx, req)
	}
}

// idRequest is the body of calls naming a single record
type idRequest struct {
	UserID   string `json:"userId,omitempty"`
	RoleID   string `json:"roleId,omitempty"`
	PolicyID string `json:"policyId,omitempty"`
}

// checkResponse carries the decision and, when the check failed, the cause
type checkResponse struct {
	Decision *entities.Decision `json:"decision"`
	Error    string             `json:"error,omitempty"`
}

// auditLogRequest is the body of GetAuditLog and VerifyAuditLog
type auditLogRequest struct {
	UserID   string     `json:"userId,omitempty"`
	Resource string     `json:"resource,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

func (r *auditLogRequest) filter() *entities.AuditFilter {
	f := &entities.AuditFilter{
		UserID:   r.UserID,
		Resource: entities.PermissionResource(r.Resource),
		Success:  r.Success,
		Limit:    r.Limit,
	}
	if r.From != nil {
		f.From = *r.From
	}
	if r.To != nil {
		f.To = *r.To
	}
	return f
}

type auditLogResponse struct {
	Entries []*entities.PermissionAuditEntry `json:"entries"`
}

type verifyResponse struct {
	Verified int `json:"verified"`
}

type roleResponse struct {
	ID string `json:"id"`
}

func requireField(name, value string) error {
	if value == "" {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("%s is required", name))
	}
	return nil
}
