package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"

	"relaymail/backend/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := openGorm(postgres.New(postgres.Config{Conn: sqlDB}))
	require.NoError(t, err)
	return &Store{db: db}, mock
}

func TestStore_ReplaceAdditionalEndpoints(t *testing.T) {
	plan := domain.EndpointSyncPlan{
		Keep:   []string{"keep-1"},
		Create: []domain.AdditionalRouteEndpoint{{EndpointKind: domain.EndpointSMTP, EndpointID: "smtp-1"}},
	}

	t.Run("同一事务内删除并插入", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "additional_route_endpoints" WHERE route_id = .+ AND id NOT IN`).
			WithArgs("route-1", "keep-1").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO "additional_route_endpoints"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.ReplaceAdditionalEndpoints(context.Background(), "route-1", plan))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("插入失败时回滚", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "additional_route_endpoints"`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO "additional_route_endpoints"`).
			WillReturnError(errors.New("duplicate key"))
		mock.ExpectRollback()

		err := store.ReplaceAdditionalEndpoints(context.Background(), "route-1", plan)
		assert.ErrorContains(t, err, "duplicate key")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_FindVerifiedTrackingDomain(t *testing.T) {
	columns := []string{"id", "server_id", "domain_id", "name", "full_name", "dns_status", "track_clicks", "track_loads", "use_ssl", "excluded_click_domains"}

	t.Run("找到", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "tracking_domains" WHERE server_id = .+ AND domain_id = .+ AND dns_status = `).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("td-1", "srv-1", "dom-1", "click", "click.example.com", "OK", true, false, true, "skip.example.com"))

		td, err := store.FindVerifiedTrackingDomain(context.Background(), "srv-1", "dom-1")
		require.NoError(t, err)
		assert.Equal(t, "click.example.com", td.FullName)
		assert.True(t, td.TrackClicks)
		assert.False(t, td.TrackLoads)
		assert.True(t, td.IsExcluded("skip.example.com"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("未找到", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "tracking_domains"`).
			WillReturnRows(sqlmock.NewRows(columns))

		_, err := store.FindVerifiedTrackingDomain(context.Background(), "srv-1", "dom-1")
		assert.ErrorIs(t, err, domain.ErrTrackingDomainNotFound)
	})
}
