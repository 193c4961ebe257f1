package orgscope

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/entitle/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupCallbackMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return gormDB, mock, mockDB
}

func TestOrgCallback_RegisterCallbacks(t *testing.T) {
	db, _, mockDB := setupCallbackMockDB(t)
	defer mockDB.Close()

	oc := NewOrgCallback("org_id", true)

	// Should not panic
	oc.RegisterCallbacks(db)
}

func TestEnableAutoOrgFilter(t *testing.T) {
	db, _, mockDB := setupCallbackMockDB(t)
	defer mockDB.Close()

	EnableAutoOrgFilter(db, true)

	// The callbacks must actually land on the DB instance
	assert.NotNil(t, db.Callback().Query().Get("org:before_query"))
	assert.NotNil(t, db.Callback().Update().Get("org:before_update"))
	assert.NotNil(t, db.Callback().Delete().Get("org:before_delete"))
}

func TestDisableAutoOrgFilter(t *testing.T) {
	db, _, mockDB := setupCallbackMockDB(t)
	defer mockDB.Close()

	EnableAutoOrgFilter(db, true)

	// Should not panic when removing callbacks
	DisableAutoOrgFilter(db)
}

func TestNewOrgCallback_DefaultColumn(t *testing.T) {
	// Empty column should default to "org_id"
	oc := NewOrgCallback("", true)
	assert.Equal(t, "org_id", oc.orgColumn)
	assert.True(t, oc.required)
}

func TestNewOrgCallback_CustomColumn(t *testing.T) {
	oc := NewOrgCallback("org_id", false)
	assert.Equal(t, "org_id", oc.orgColumn)
	assert.False(t, oc.required)
}

func TestOrgCallback_RequiredEnforcement(t *testing.T) {
	t.Run("errors when org required but missing in context", func(t *testing.T) {
		db, _, mockDB := setupCallbackMockDB(t)
		defer mockDB.Close()

		EnableAutoOrgFilter(db, true) // Required=true

		ctx := context.Background() // No org ID
		var results []TestModel

		err := db.WithContext(ctx).Find(&results).Error

		assert.ErrorIs(t, err, ErrOrgIDRequired)
	})
}

func TestOrgCallback_InvalidUUID(t *testing.T) {
	t.Run("errors on invalid UUID format", func(t *testing.T) {
		db, _, mockDB := setupCallbackMockDB(t)
		defer mockDB.Close()

		EnableAutoOrgFilter(db, true)

		ctx := createCallbackTestContext("not-a-valid-uuid")
		var results []TestModel

		err := db.WithContext(ctx).Find(&results).Error

		assert.ErrorIs(t, err, ErrInvalidOrgID)
	})
}

func TestOrgCallback_NotRequired(t *testing.T) {
	t.Run("allows query without org when not required", func(t *testing.T) {
		db, mock, mockDB := setupCallbackMockDB(t)
		defer mockDB.Close()

		EnableAutoOrgFilter(db, false) // Required=false

		mock.ExpectQuery(`SELECT \* FROM "test_models"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "name"}))

		ctx := context.Background() // No org ID
		var results []TestModel

		err := db.WithContext(ctx).Find(&results).Error

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func createCallbackTestContext(orgID string) context.Context {
	ctx := context.Background()
	if orgID != "" {
		log := logger.FromContext(ctx)
		ctx, _ = logger.WithOrgID(ctx, log, orgID)
	}
	return ctx
}
