package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePolicy() *entities.PermissionPolicy {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return &entities.PermissionPolicy{
		ID:       "export-hq",
		Name:     "Export from HQ only",
		IsActive: true,
		Priority: 10,
		Rules: []entities.PermissionRule{{
			Resource:  entities.ResourceDocuments,
			Action:    entities.ActionExport,
			Condition: `requested_location == "HQ"`,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPolicyRepository_Save(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPolicyRepository(db)
	policy := samplePolicy()

	mock.ExpectExec("INSERT INTO policies").
		WithArgs("export-hq", "Export from HQ only", true, 10, sqlmock.AnyArg(), policy.CreatedAt, policy.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), policy))
}

func TestPolicyRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("正常系: ポリシーを取得できる", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPostgresPolicyRepository(db)
		definition, _ := json.Marshal(samplePolicy())

		mock.ExpectQuery("SELECT definition FROM policies WHERE id").
			WithArgs("export-hq").
			WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(definition))

		policy, err := repo.Get(ctx, "export-hq")
		require.NoError(t, err)
		assert.Equal(t, 10, policy.Priority)
		assert.Len(t, policy.Rules, 1)
	})

	t.Run("異常系: 存在しないポリシー", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPostgresPolicyRepository(db)

		mock.ExpectQuery("SELECT definition FROM policies WHERE id").
			WithArgs("missing").
			WillReturnError(errors.New("boom"))

		_, err := repo.Get(ctx, "missing")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, repositories.ErrNotFound))
	})
}

func TestPolicyRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPolicyRepository(db)
	definition, _ := json.Marshal(samplePolicy())

	mock.ExpectQuery("SELECT definition FROM policies ORDER BY priority DESC").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(definition))

	policies, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "export-hq", policies[0].ID)
}

func TestPolicyRepository_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPolicyRepository(db)

	mock.ExpectExec("DELETE FROM policies").WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, repositories.ErrNotFound))
}
