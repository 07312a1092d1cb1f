package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
)

// grant is one permission contributing to a user's effective set, with the
// role it came from ("" for direct grants)
type grant struct {
	perm   entities.Permission
	roleID string
}

// resolution is the per-user material one check is evaluated against
type resolution struct {
	user    *entities.UserPermissions
	grants  []grant
	roles   []*compiledRole
	roleSet map[string]bool
}

// Engine computes effective permissions and permission decisions from the
// role graph, the policy store and the user store
type Engine struct {
	catalog  *Catalog
	roles    *RoleGraph
	policies *PolicyStore
	users    *UserStore
	now      func() time.Time
}

// NewEngine creates a resolution engine
func NewEngine(catalog *Catalog, roles *RoleGraph, policies *PolicyStore, users *UserStore) *Engine {
	return &Engine{
		catalog:  catalog,
		roles:    roles,
		policies: policies,
		users:    users,
		now:      time.Now,
	}
}

// resolve loads the user and flattens its roles. Each role chain is walked
// leaf first; a role whose department or location restrictions do not admit
// the user contributes nothing, and neither do its ancestors.
func (e *Engine) resolve(ctx context.Context, userID string) (*resolution, error) {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &resolution{user: user, roleSet: map[string]bool{}}
	for _, key := range user.DirectPermissions {
		r, a, s := key.Parts()
		res.grants = append(res.grants, grant{perm: entities.Permission{Resource: r, Action: a, Scope: s}})
	}

	for _, roleID := range user.RoleIDs {
		chain, err := e.roles.chain(roleID)
		if err != nil {
			return nil, err
		}
		for _, role := range chain {
			if !role.def.AppliesTo(user) {
				break
			}
			if res.roleSet[role.def.ID] {
				// Already collected through another assignment; the rest of
				// this chain was collected with it.
				break
			}
			res.roleSet[role.def.ID] = true
			res.roles = append(res.roles, role)
			for _, p := range role.def.Permissions {
				res.grants = append(res.grants, grant{perm: p, roleID: role.def.ID})
			}
		}
	}
	return res, nil
}

// EffectivePermissions returns the union of the user's direct grants and
// the permissions of every applied role and ancestor, minus denials, sorted.
// Contextual rules are not included since they depend on a check context.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string) ([]entities.PermissionKey, error) {
	res, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := map[entities.PermissionKey]bool{}
	keys := []entities.PermissionKey{}
	for _, g := range res.grants {
		k := g.perm.Key()
		if seen[k] || isCoveredByDenial(res.user, k) {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func isCoveredByDenial(user *entities.UserPermissions, key entities.PermissionKey) bool {
	for _, d := range user.DeniedPermissions {
		if d.Covers(key) {
			return true
		}
	}
	return false
}

// Check decides one request. The returned decision is always populated;
// when err is non-nil the decision denies and names the failure.
func (e *Engine) Check(ctx context.Context, req *entities.CheckRequest) (*entities.Decision, error) {
	requested := entities.NewPermissionKey(req.Resource, req.Action, req.Scope)
	decision := &entities.Decision{Permission: requested, ResolvedAt: e.now().UTC()}

	if req.UserID == "" {
		decision.Reason = entities.ReasonInvalidRequest
		return decision, fmt.Errorf("%w: userId is required", entities.ErrUnauthorized)
	}
	if err := e.catalog.ValidateTriple(req.Resource, req.Action, req.Scope); err != nil {
		decision.Reason = entities.ReasonInvalidRequest
		return decision, err
	}

	res, err := e.resolve(ctx, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, entities.ErrRoleNotFound):
			decision.Reason = entities.ReasonRoleNotFound
		case errors.Is(err, entities.ErrUserNotFound):
			decision.Reason = entities.ReasonNoGrant
		default:
			decision.Reason = entities.ReasonStoreUnavailable
		}
		return decision, err
	}

	// Denials short-circuit every other source, policies included.
	if denied, ok := res.user.IsDenied(req.Resource, req.Action, req.Scope); ok {
		decision.Reason = entities.ReasonExplicitDenial
		decision.Permission = denied
		return decision, nil
	}

	evalCtx := res.user.EvaluationContext(req.Context)
	if req.ResourceID != "" {
		evalCtx["resource.id"] = req.ResourceID
	}

	e.evaluateGrants(res, req, evalCtx, decision)
	e.applyContextualRules(res, req, evalCtx, decision)

	if policyID, effect, ok := decide(e.policies.Applicable(res.roleSet, decision.ResolvedAt), req.Resource, req.Action, evalCtx); ok {
		decision.PolicyID = policyID
		decision.Allowed = effect == entities.EffectAllow
		decision.Reason = entities.ReasonPolicyDeny
		if decision.Allowed {
			decision.Reason = entities.ReasonPolicyAllow
		}
	}
	return decision, nil
}

// evaluateGrants sets the candidate decision from the matching grants. A
// grant counts when every one of its conditions holds.
func (e *Engine) evaluateGrants(res *resolution, req *entities.CheckRequest, evalCtx map[string]interface{}, decision *entities.Decision) {
	decision.Reason = entities.ReasonNoGrant
	for _, g := range res.grants {
		if !g.perm.Key().Grants(req.Resource, req.Action, req.Scope) {
			continue
		}
		if conditionsHold(g.perm.Conditions, evalCtx) {
			decision.Allowed = true
			decision.Reason = entities.ReasonGranted
			decision.Permission = g.perm.Key()
			decision.RoleID = g.roleID
			return
		}
		decision.Reason = entities.ReasonConditionNotMet
		decision.Permission = g.perm.Key()
		decision.RoleID = g.roleID
	}
}

func conditionsHold(conditions []entities.PermissionCondition, evalCtx map[string]interface{}) bool {
	for _, c := range conditions {
		if !c.Evaluate(evalCtx) {
			return false
		}
	}
	return true
}

// applyContextualRules lets satisfied contextual rules of applied roles add
// or restrict the requested permission. A restriction wins over an addition
// in the same evaluation.
func (e *Engine) applyContextualRules(res *resolution, req *entities.CheckRequest, evalCtx map[string]interface{}, decision *entities.Decision) {
	var added, restricted entities.PermissionKey
	var addedBy, restrictedBy string
	for _, role := range res.roles {
		for _, r := range role.rules {
			if !r.expr.Evaluate(evalCtx) {
				continue
			}
			for _, k := range r.rule.RestrictedPermissions {
				if restricted == "" && k.Denies(req.Resource, req.Action, req.Scope) {
					restricted, restrictedBy = k, role.def.ID
				}
			}
			for _, k := range r.rule.AdditionalPermissions {
				if added == "" && !isCoveredByDenial(res.user, k) && k.Grants(req.Resource, req.Action, req.Scope) {
					added, addedBy = k, role.def.ID
				}
			}
		}
	}

	switch {
	case restricted != "":
		decision.Allowed = false
		decision.Reason = entities.ReasonContextualRestriction
		decision.Permission = restricted
		decision.RoleID = restrictedBy
	case added != "" && !decision.Allowed:
		decision.Allowed = true
		decision.Reason = entities.ReasonContextualGrant
		decision.Permission = added
		decision.RoleID = addedBy
	}
}
