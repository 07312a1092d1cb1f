package authorization

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories/memory"
)

func TestRoleGraph_AddRole(t *testing.T) {
	ctx := context.Background()

	t.Run("stores role and exposes a copy", func(t *testing.T) {
		f := newFixture(t)
		f.addRole(t, &entities.RoleDefinition{ID: "base", Name: "Base", Permissions: []entities.Permission{perm("tasks", "read")}})

		got, ok := f.roles.GetRole("base")
		if !ok {
			t.Fatal("expected role to be stored")
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be set")
		}
		got.Permissions[0].Action = "delete"
		again, _ := f.roles.GetRole("base")
		if again.Permissions[0].Action != "read" {
			t.Error("GetRole must return a copy")
		}
		if _, err := f.roleRepo.Get(ctx, "base"); err != nil {
			t.Errorf("expected role to be persisted: %v", err)
		}
	})

	t.Run("update keeps creation time", func(t *testing.T) {
		f := newFixture(t)
		f.addRole(t, &entities.RoleDefinition{ID: "base", Name: "Base"})
		first, _ := f.roles.GetRole("base")
		f.addRole(t, &entities.RoleDefinition{ID: "base", Name: "Base v2"})
		second, _ := f.roles.GetRole("base")
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt changed from %v to %v", first.CreatedAt, second.CreatedAt)
		}
		if second.Name != "Base v2" {
			t.Errorf("Name = %q, want Base v2", second.Name)
		}
	})

	t.Run("rejects missing parent", func(t *testing.T) {
		f := newFixture(t)
		err := f.roles.AddRole(ctx, &entities.RoleDefinition{ID: "manager", Name: "Manager", InheritFrom: "ghost"})
		if !errors.Is(err, entities.ErrRoleNotFound) {
			t.Errorf("error = %v, want ErrRoleNotFound", err)
		}
	})

	t.Run("rejects unknown vocabulary", func(t *testing.T) {
		f := newFixture(t)
		err := f.roles.AddRole(ctx, &entities.RoleDefinition{ID: "x", Name: "X", Permissions: []entities.Permission{perm("spaceships", "read")}})
		if !errors.Is(err, entities.ErrInvalidRole) {
			t.Errorf("error = %v, want ErrInvalidRole", err)
		}
	})

	t.Run("rejects unparseable contextual rule", func(t *testing.T) {
		f := newFixture(t)
		err := f.roles.AddRole(ctx, &entities.RoleDefinition{
			ID:   "x",
			Name: "X",
			ContextualRules: []entities.ContextualRule{
				{Condition: "current_time >", AdditionalPermissions: []entities.PermissionKey{"tasks:read"}},
			},
		})
		if !errors.Is(err, entities.ErrInvalidRole) {
			t.Errorf("error = %v, want ErrInvalidRole", err)
		}
		if f.roles.Len() != 0 {
			t.Error("rejected role must not be stored")
		}
	})

	t.Run("rejects duplicate system role name", func(t *testing.T) {
		f := newFixture(t)
		f.addRole(t, &entities.RoleDefinition{ID: "admin", Name: "Admin", IsSystemRole: true})
		err := f.roles.AddRole(ctx, &entities.RoleDefinition{ID: "admin2", Name: "admin", IsSystemRole: true})
		if !errors.Is(err, entities.ErrDuplicateSystemRole) {
			t.Errorf("error = %v, want ErrDuplicateSystemRole", err)
		}
		// Re-saving the same system role is an update, not a duplicate
		if err := f.roles.AddRole(ctx, &entities.RoleDefinition{ID: "admin", Name: "Admin", IsSystemRole: true}); err != nil {
			t.Errorf("updating system role: %v", err)
		}
	})

	t.Run("persistence failure leaves graph unchanged", func(t *testing.T) {
		logger, _ := newTestLogger()
		g := NewRoleGraph(NewCatalog(), failingRoleRepository{}, logger)
		err := g.AddRole(ctx, &entities.RoleDefinition{ID: "base", Name: "Base"})
		if !errors.Is(err, entities.ErrPersistenceFailure) {
			t.Errorf("error = %v, want ErrPersistenceFailure", err)
		}
		if _, ok := g.GetRole("base"); ok {
			t.Error("role must not be visible after failed save")
		}
	})
}

func TestRoleGraph_CycleDetection(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		update *entities.RoleDefinition
	}{
		{name: "self reference", update: &entities.RoleDefinition{ID: "a", Name: "A", InheritFrom: "a"}},
		{name: "two node cycle", update: &entities.RoleDefinition{ID: "a", Name: "A", InheritFrom: "b"}},
		{name: "three node cycle", update: &entities.RoleDefinition{ID: "a", Name: "A", InheritFrom: "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			// c -> b -> a
			f.addRole(t, &entities.RoleDefinition{ID: "a", Name: "A", Permissions: []entities.Permission{perm("tasks", "read")}})
			f.addRole(t, &entities.RoleDefinition{ID: "b", Name: "B", InheritFrom: "a"})
			f.addRole(t, &entities.RoleDefinition{ID: "c", Name: "C", InheritFrom: "b"})
			before, _ := f.roles.GetRole("a")

			err := f.roles.AddRole(ctx, tt.update)
			if !errors.Is(err, entities.ErrCyclicInheritance) {
				t.Fatalf("error = %v, want ErrCyclicInheritance", err)
			}

			after, _ := f.roles.GetRole("a")
			if !reflect.DeepEqual(before, after) {
				t.Errorf("role a changed after rejected update: %+v", after)
			}
			ancestors, err := f.roles.Ancestors("c")
			if err != nil {
				t.Fatalf("Ancestors error: %v", err)
			}
			if want := []string{"c", "b", "a"}; !reflect.DeepEqual(ancestors, want) {
				t.Errorf("Ancestors(c) = %v, want %v", ancestors, want)
			}
			stored, _ := f.roleRepo.Get(ctx, "a")
			if stored.InheritFrom != "" {
				t.Error("rejected update must not be persisted")
			}
		})
	}
}

func TestRoleGraph_DeleteRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRole(t, &entities.RoleDefinition{ID: "base", Name: "Base"})
	f.addRole(t, &entities.RoleDefinition{ID: "manager", Name: "Manager", InheritFrom: "base"})
	f.addRole(t, &entities.RoleDefinition{ID: "root", Name: "Root", IsSystemRole: true})

	if err := f.roles.DeleteRole(ctx, "base"); !errors.Is(err, entities.ErrRoleHasChildren) {
		t.Errorf("delete parent: error = %v, want ErrRoleHasChildren", err)
	}
	if err := f.roles.DeleteRole(ctx, "ghost"); !errors.Is(err, entities.ErrRoleNotFound) {
		t.Errorf("delete missing: error = %v, want ErrRoleNotFound", err)
	}

	if err := f.roles.DeleteRole(ctx, "manager"); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if err := f.roles.DeleteRole(ctx, "base"); err != nil {
		t.Fatalf("delete former parent: %v", err)
	}
	if f.roles.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.roles.Len())
	}
	if _, err := f.roleRepo.Get(ctx, "base"); err == nil {
		t.Error("expected role to be removed from the repository")
	}

	// The graph does not know the caller; the service decides who may
	// remove a system role.
	if err := f.roles.DeleteRole(ctx, "root"); err != nil {
		t.Fatalf("delete system role: %v", err)
	}
	if f.roles.IsSystemRole("root") || f.roles.Len() != 0 {
		t.Errorf("root still present, Len = %d", f.roles.Len())
	}
}

func TestRoleGraph_Descendants(t *testing.T) {
	f := newFixture(t)
	f.addRole(t, &entities.RoleDefinition{ID: "base", Name: "Base"})
	f.addRole(t, &entities.RoleDefinition{ID: "manager", Name: "Manager", InheritFrom: "base"})
	f.addRole(t, &entities.RoleDefinition{ID: "director", Name: "Director", InheritFrom: "manager"})
	f.addRole(t, &entities.RoleDefinition{ID: "other", Name: "Other"})

	got := f.roles.Descendants("manager")
	if want := []string{"director", "manager"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Descendants(manager) = %v, want %v", got, want)
	}

	// Re-parenting director moves it out of manager's subtree
	f.addRole(t, &entities.RoleDefinition{ID: "director", Name: "Director", InheritFrom: "other"})
	got = f.roles.Descendants("base")
	if want := []string{"base", "manager"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Descendants(base) = %v, want %v", got, want)
	}
}

func TestRoleGraph_Sync(t *testing.T) {
	ctx := context.Background()
	logger, hook := newTestLogger()
	repo := memory.NewRoleRepository()

	// Children are listed before parents and one role is corrupt
	for _, def := range []*entities.RoleDefinition{
		{ID: "a-manager", Name: "Manager", InheritFrom: "z-base"},
		{ID: "broken", Name: "Broken", Permissions: []entities.Permission{perm("spaceships", "fly")}},
		{ID: "orphan", Name: "Orphan", InheritFrom: "missing"},
		{ID: "z-base", Name: "Base", Permissions: []entities.Permission{perm("tasks", "read")}},
	} {
		if err := repo.Save(ctx, def); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	g := NewRoleGraph(NewCatalog(), repo, logger)
	if err := g.Sync(ctx); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("Len = %d, want 2", g.Len())
	}
	ancestors, err := g.Ancestors("a-manager")
	if err != nil || !reflect.DeepEqual(ancestors, []string{"a-manager", "z-base"}) {
		t.Errorf("Ancestors = %v, %v", ancestors, err)
	}
	if len(hook.AllEntries()) != 2 {
		t.Errorf("expected 2 warnings, got %d", len(hook.AllEntries()))
	}

	t.Run("failed reload keeps last known good", func(t *testing.T) {
		g.repo = failingRoleRepository{}
		if err := g.Sync(ctx); !errors.Is(err, entities.ErrPersistenceFailure) {
			t.Errorf("error = %v, want ErrPersistenceFailure", err)
		}
		if g.Len() != 2 {
			t.Errorf("Len = %d after failed sync, want 2", g.Len())
		}
	})
}
