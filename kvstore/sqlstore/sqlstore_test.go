package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jrsteele09/go-secure-gateway/kvstore"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv_store")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := New(context.Background(), db)
	require.NoError(t, err)
	return s, mock
}

func TestStore_Get(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(queryGet)).
		WithArgs("cache:snapshot").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"version":1}`)))

	got, err := s.Get(ctx, "cache:snapshot")
	require.NoError(t, err)
	require.Equal(t, `{"version":1}`, string(got))

	mock.ExpectQuery(regexp.QuoteMeta(queryGet)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetAndDelete(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta(queryUpsert)).
		WithArgs("audit:backup", []byte(`[]`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryDelete)).
		WithArgs("audit:backup").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Set(ctx, "audit:backup", []byte(`[]`)))
	require.NoError(t, s.Delete(ctx, "audit:backup"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_KeysEscapesLikeWildcards(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryKeys)).
		WithArgs(`legacy\_token:%`).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("legacy_token:a").AddRow("legacy_token:b"))

	keys, err := s.Keys(context.Background(), "legacy_token:")
	require.NoError(t, err)
	require.Equal(t, []string{"legacy_token:a", "legacy_token:b"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}
