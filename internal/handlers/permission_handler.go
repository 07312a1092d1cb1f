package handlers

import (
	"context"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/services"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"
)

// PermissionHandler handles kanshi.v1.PermissionService gRPC requests
type PermissionHandler struct {
	service services.PermissionServiceInterface
	logger  logrus.FieldLogger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(service services.PermissionServiceInterface, logger logrus.FieldLogger) *PermissionHandler {
	return &PermissionHandler{service: service, logger: logger}
}

// CheckPermission handles the CheckPermission RPC. A check that failed
// still answers with its denying decision; the cause is in "error".
func (h *PermissionHandler) CheckPermission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req entities.CheckRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return nil, err
	}
	req.Metadata = requestMetadata(ctx, req.Metadata)

	decision, err := h.service.CheckPermission(ctx, &req)
	if decision == nil {
		return nil, toStatus(err)
	}
	resp := checkResponse{Decision: decision}
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":  req.UserID,
			"resource": req.Resource,
			"action":   req.Action,
			"reason":   decision.Reason,
		}).Warn("permission check failed")
		resp.Error = err.Error()
	}
	return encodeStruct(resp)
}

// ResolvePermissions handles the ResolvePermissions RPC
func (h *PermissionHandler) ResolvePermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return nil, err
	}
	resolved, err := h.service.ResolvePermissions(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(resolved)
}

// AddRole handles the AddRole RPC
func (h *PermissionHandler) AddRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var role entities.RoleDefinition
	if err := decodeStruct(in, &role); err != nil {
		return nil, invalidArgument(err)
	}
	if err := h.service.AddRole(ctx, &role); err != nil {
		return nil, toStatus(err)
	}
	h.adminLog(ctx).WithField("role_id", role.ID).Info("role saved")
	return encodeStruct(roleResponse{ID: role.ID})
}

// DeleteRole handles the DeleteRole RPC
func (h *PermissionHandler) DeleteRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := requireField("roleId", req.RoleID); err != nil {
		return nil, err
	}
	if err := h.service.DeleteRole(ctx, req.RoleID); err != nil {
		return nil, toStatus(err)
	}
	h.adminLog(ctx).WithField("role_id", req.RoleID).Info("role deleted")
	return &structpb.Struct{}, nil
}

// SavePolicy handles the SavePolicy RPC and returns the stored policy
func (h *PermissionHandler) SavePolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var policy entities.PermissionPolicy
	if err := decodeStruct(in, &policy); err != nil {
		return nil, invalidArgument(err)
	}
	saved, err := h.service.SavePolicy(ctx, &policy)
	if err != nil {
		return nil, toStatus(err)
	}
	h.adminLog(ctx).WithField("policy_id", saved.ID).Info("policy saved")
	return encodeStruct(saved)
}

// DeletePolicy handles the DeletePolicy RPC
func (h *PermissionHandler) DeletePolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := requireField("policyId", req.PolicyID); err != nil {
		return nil, err
	}
	if err := h.service.DeletePolicy(ctx, req.PolicyID); err != nil {
		return nil, toStatus(err)
	}
	h.adminLog(ctx).WithField("policy_id", req.PolicyID).Info("policy deleted")
	return &structpb.Struct{}, nil
}

// UpdateUserPermissions handles the UpdateUserPermissions RPC
func (h *PermissionHandler) UpdateUserPermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var user entities.UserPermissions
	if err := decodeStruct(in, &user); err != nil {
		return nil, invalidArgument(err)
	}
	saved, err := h.service.UpdateUserPermissions(ctx, &user)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(saved)
}

// DeleteUserPermissions handles the DeleteUserPermissions RPC
func (h *PermissionHandler) DeleteUserPermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return nil, err
	}
	if err := h.service.DeleteUserPermissions(ctx, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// GetAuditLog handles the GetAuditLog RPC
func (h *PermissionHandler) GetAuditLog(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req auditLogRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	entries, err := h.service.AuditLog(ctx, req.filter())
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []*entities.PermissionAuditEntry{}
	}
	return encodeStruct(auditLogResponse{Entries: entries})
}

// VerifyAuditLog handles the VerifyAuditLog RPC. A broken chain is
// reported as DATA_LOSS.
func (h *PermissionHandler) VerifyAuditLog(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req auditLogRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, invalidArgument(err)
	}
	var from, to time.Time
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}
	n, err := h.service.VerifyAuditLog(ctx, from, to)
	if err != nil {
		h.logger.WithError(err).WithField("verified", n).Error("audit chain verification failed")
		return nil, toStatus(err)
	}
	return encodeStruct(verifyResponse{Verified: n})
}

func (h *PermissionHandler) adminLog(ctx context.Context) logrus.FieldLogger {
	if caller, ok := services.CallerFromContext(ctx); ok {
		return h.logger.WithField("caller_id", caller.UserID)
	}
	return h.logger
}

// requestMetadata fills in the peer address and user agent when the client
// did not supply them
func requestMetadata(ctx context.Context, m *entities.RequestMetadata) *entities.RequestMetadata {
	out := entities.RequestMetadata{}
	if m != nil {
		out = *m
	}
	if out.IPAddress == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			out.IPAddress = p.Addr.String()
		}
	}
	if out.UserAgent == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ua := md.Get("user-agent"); len(ua) > 0 {
				out.UserAgent = ua[0]
			}
		}
	}
	if out == (entities.RequestMetadata{}) {
		return nil
	}
	return &out
}

var _ PermissionServiceServer = (*PermissionHandler)(nil)
