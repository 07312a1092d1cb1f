package entities

import "errors"

var (
	// ErrCyclicInheritance is returned when a role's inheritFrom would create a cycle
	ErrCyclicInheritance = errors.New("cyclic role inheritance")

	// ErrDuplicateSystemRole is returned when a system role name is already taken
	ErrDuplicateSystemRole = errors.New("duplicate system role")

	// ErrInvalidRole is returned when a role definition fails validation
	ErrInvalidRole = errors.New("invalid role definition")

	// ErrRoleNotFound is returned when a role id cannot be resolved
	ErrRoleNotFound = errors.New("role not found")

	// ErrRoleHasChildren is returned when deleting a role other roles inherit from
	ErrRoleHasChildren = errors.New("role has inheriting roles")

	// ErrSystemRoleProtected is returned when a non-privileged caller mutates or deletes a system role
	ErrSystemRoleProtected = errors.New("system roles cannot be modified by non-privileged callers")

	// ErrMalformedPolicyRule is returned when a policy rule fails validation
	ErrMalformedPolicyRule = errors.New("malformed policy rule")

	// ErrInvalidUserPermissions is returned when a user permission record fails validation
	ErrInvalidUserPermissions = errors.New("invalid user permissions")

	// ErrUserNotFound is returned when no permission record exists for a user
	ErrUserNotFound = errors.New("user permissions not found")

	// ErrPersistenceFailure is returned when the durable store could not be reached
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrUnknownResource is returned for resources outside the catalog
	ErrUnknownResource = errors.New("unknown permission resource")

	// ErrUnknownAction is returned for actions outside the catalog
	ErrUnknownAction = errors.New("unknown permission action")

	// ErrUnknownScope is returned for scopes outside the catalog
	ErrUnknownScope = errors.New("unknown permission scope")

	// ErrInvalidCondition is returned for conditions outside the enumerated forms
	ErrInvalidCondition = errors.New("invalid permission condition")

	// ErrUnauthorized is returned when the caller identity is missing
	ErrUnauthorized = errors.New("caller identity required")

	// ErrAdminRequired is returned when a non-privileged caller uses a write path
	ErrAdminRequired = errors.New("privileged caller required")

	// ErrAuditChainBroken is returned when audit entries fail hash chain verification
	ErrAuditChainBroken = errors.New("audit chain broken")
)
