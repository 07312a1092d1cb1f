package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrCheckFailed is returned by Client.CheckPermission when the server
// answered with a denying decision because the check could not complete
var ErrCheckFailed = errors.New("permission check failed")

// Client is a typed client for kanshi.v1.PermissionService
type Client struct {
	cc       grpc.ClientConnInterface
	callerID string
}

// NewClient creates a client over cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// As returns a copy of the client that identifies as userID
func (c *Client) As(userID string) *Client {
	return &Client{cc: c.cc, callerID: userID}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	req, err := encodeStruct(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if c.callerID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, c.callerID)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := decodeStruct(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// CheckPermission decides a request. When the returned error wraps
// ErrCheckFailed the decision is still populated.
func (c *Client) CheckPermission(ctx context.Context, req *entities.CheckRequest, opts ...grpc.CallOption) (*entities.Decision, error) {
	var resp checkResponse
	if err := c.invoke(ctx, "CheckPermission", req, &resp, opts...); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp.Decision, fmt.Errorf("%w: %s", ErrCheckFailed, resp.Error)
	}
	return resp.Decision, nil
}

// ResolvePermissions returns the effective permission set of userID
func (c *Client) ResolvePermissions(ctx context.Context, userID string, opts ...grpc.CallOption) (*entities.ResolvedPermissions, error) {
	var resp entities.ResolvedPermissions
	if err := c.invoke(ctx, "ResolvePermissions", idRequest{UserID: userID}, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddRole creates or replaces a role
func (c *Client) AddRole(ctx context.Context, role *entities.RoleDefinition, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "AddRole", role, nil, opts...)
}

// DeleteRole removes a role
func (c *Client) DeleteRole(ctx context.Context, roleID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeleteRole", idRequest{RoleID: roleID}, nil, opts...)
}

// SavePolicy stores a policy and returns it with its assigned id
func (c *Client) SavePolicy(ctx context.Context, policy *entities.PermissionPolicy, opts ...grpc.CallOption) (*entities.PermissionPolicy, error) {
	var resp entities.PermissionPolicy
	if err := c.invoke(ctx, "SavePolicy", policy, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeletePolicy removes a policy
func (c *Client) DeletePolicy(ctx context.Context, policyID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeletePolicy", idRequest{PolicyID: policyID}, nil, opts...)
}

// UpdateUserPermissions replaces a user record
func (c *Client) UpdateUserPermissions(ctx context.Context, user *entities.UserPermissions, opts ...grpc.CallOption) (*entities.UserPermissions, error) {
	var resp entities.UserPermissions
	if err := c.invoke(ctx, "UpdateUserPermissions", user, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteUserPermissions removes a user record
func (c *Client) DeleteUserPermissions(ctx context.Context, userID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeleteUserPermissions", idRequest{UserID: userID}, nil, opts...)
}

// AuditLog returns audit entries matching filter, newest first
func (c *Client) AuditLog(ctx context.Context, filter *entities.AuditFilter, opts ...grpc.CallOption) ([]*entities.PermissionAuditEntry, error) {
	req := auditLogRequest{}
	if filter != nil {
		req = auditLogRequest{
			UserID:   filter.UserID,
			Resource: string(filter.Resource),
			Success:  filter.Success,
			From:     optionalTime(filter.From),
			To:       optionalTime(filter.To),
			Limit:    filter.Limit,
		}
	}
	var resp auditLogResponse
	if err := c.invoke(ctx, "GetAuditLog", req, &resp, opts...); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// VerifyAuditLog verifies the audit hash chain over [from, to)
func (c *Client) VerifyAuditLog(ctx context.Context, from, to time.Time, opts ...grpc.CallOption) (int, error) {
	var resp verifyResponse
	req := auditLogRequest{From: optionalTime(from), To: optionalTime(to)}
	if err := c.invoke(ctx, "VerifyAuditLog", req, &resp, opts...); err != nil {
		return 0, err
	}
	return resp.Verified, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
