package sql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

func newMockStore(t *testing.T, driverName string, version int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, driverName), version, zap.NewNop()), mock
}

func TestSchemaVersion(t *testing.T) {
	assert.Equal(t, 0, schemaVersion(nil))
	assert.Equal(t, 18, schemaVersion([]string{"0017_initial.sql", "0018_message_endpoints.sql"}))
	assert.Equal(t, 17, schemaVersion([]string{"0017_initial.sql", "notes.sql"}))
}

func TestStore_SchemaVersion(t *testing.T) {
	store, mock := newMockStore(t, "mysql", 0)
	mock.ExpectQuery(`SELECT id FROM message_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("0017_initial.sql").
			AddRow("0018_message_endpoints.sql"))

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 18, version)
	assert.Contains(t, store.messageColumns(), "endpoint_type")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateMessage(t *testing.T) {
	message := func() *domain.Message {
		return &domain.Message{
			Token:        "abc",
			ServerID:     "srv-1",
			Scope:        domain.ScopeIncoming,
			RcptTo:       "sales@example.com",
			MailFrom:     "someone@example.org",
			Raw:          []byte("Subject: hi\r\n\r\nbody"),
			EndpointKind: domain.EndpointHTTP,
			EndpointID:   "ep-1",
			Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}
	}

	t.Run("MySQL 使用自增 ID", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", domain.EndpointBindingSchemaVersion)
		mock.ExpectExec(`INSERT INTO messages \(token, .+, endpoint_type, endpoint_id\) VALUES`).
			WillReturnResult(sqlmock.NewResult(42, 1))

		m := message()
		require.NoError(t, store.CreateMessage(context.Background(), m))
		assert.Equal(t, int64(42), m.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("旧版本邮件库不写端点列", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", 17)
		mock.ExpectExec(`INSERT INTO messages \(token, .+, timestamp\) VALUES`).
			WillReturnResult(sqlmock.NewResult(5, 1))

		m := message()
		require.NoError(t, store.CreateMessage(context.Background(), m))
		assert.Equal(t, int64(5), m.ID)
		assert.NotContains(t, store.messageColumns(), "endpoint_id")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PostgreSQL 使用 RETURNING", func(t *testing.T) {
		store, mock := newMockStore(t, "postgres", domain.EndpointBindingSchemaVersion)
		mock.ExpectQuery(`INSERT INTO messages .+ VALUES \(\$1, .+ RETURNING id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		m := message()
		require.NoError(t, store.CreateMessage(context.Background(), m))
		assert.Equal(t, int64(7), m.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_SaveMessage(t *testing.T) {
	t.Run("更新成功", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", domain.EndpointBindingSchemaVersion)
		mock.ExpectExec(`UPDATE messages SET token = \?, .+ WHERE id = \?`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.SaveMessage(context.Background(), &domain.Message{ID: 3, ServerID: "srv-1", Inspected: true})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("邮件不存在", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", domain.EndpointBindingSchemaVersion)
		mock.ExpectExec(`UPDATE messages SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.SaveMessage(context.Background(), &domain.Message{ID: 99})
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}

func TestStore_FindMessageByToken(t *testing.T) {
	t.Run("找到", func(t *testing.T) {
		store, mock := newMockStore(t, "postgres", 17)
		columns := append([]string{"id"}, baseMessageColumns...)
		ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT id, token, .+ FROM messages WHERE server_id = \$1 AND token = \$2`).
			WithArgs("srv-1", "abc").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				int64(9), "abc", "srv-1", "outgoing", "to@example.com", "from@example.com", "Hi", "<id@example.com>",
				[]byte("raw"), nil, nil, 1.5, false, "", true, 2, 1, true, ts,
			))

		m, err := store.FindMessageByToken(context.Background(), "srv-1", "abc")
		require.NoError(t, err)
		assert.Equal(t, int64(9), m.ID)
		assert.Equal(t, domain.ScopeOutgoing, m.Scope)
		assert.Nil(t, m.DomainID)
		assert.Equal(t, 1.5, m.SpamScore)
		assert.Equal(t, 2, m.TrackedLinks)
		assert.Equal(t, ts, m.Timestamp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("未找到", func(t *testing.T) {
		store, mock := newMockStore(t, "postgres", 17)
		mock.ExpectQuery(`SELECT id, .+ FROM messages`).
			WillReturnRows(sqlmock.NewRows(append([]string{"id"}, baseMessageColumns...)))

		_, err := store.FindMessageByToken(context.Background(), "srv-1", "missing")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}

func TestStore_Statistics(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 42, 0, 0, time.UTC)
	period := domain.StatisticPeriod(at)

	t.Run("MySQL 累加", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", 18)
		mock.ExpectExec(`INSERT INTO statistics .+ ON DUPLICATE KEY UPDATE count = count \+ 1`).
			WithArgs("srv-1", "held", period).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.IncrementStatistic(context.Background(), "srv-1", domain.StatisticHeld, at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PostgreSQL 累加", func(t *testing.T) {
		store, mock := newMockStore(t, "postgres", 18)
		mock.ExpectExec(`INSERT INTO statistics .+ ON CONFLICT \(server_id, kind, period\)`).
			WithArgs("srv-1", "bounces", period).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.IncrementStatistic(context.Background(), "srv-1", domain.StatisticBounces, at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("无记录时为零", func(t *testing.T) {
		store, mock := newMockStore(t, "mysql", 18)
		mock.ExpectQuery(`SELECT count FROM statistics`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}))

		count, err := store.GetStatistic(context.Background(), "srv-1", domain.StatisticHeld, at)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestStore_Links(t *testing.T) {
	store, mock := newMockStore(t, "mysql", 18)
	mock.ExpectExec(`INSERT INTO links`).
		WithArgs(sqlmock.AnyArg(), "srv-1", int64(9), "https://example.com/a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := store.CreateLink(context.Background(), "srv-1", 9, "https://example.com/a")
	require.NoError(t, err)
	assert.Len(t, token, 36)

	mock.ExpectQuery(`SELECT token, server_id, message_id, url, created_at FROM links WHERE token = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"token", "server_id", "message_id", "url", "created_at"}))

	_, err = store.FindLink(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
