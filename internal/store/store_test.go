package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/session"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func sampleEvents() []session.Event {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	return []session.Event{
		{Kind: session.EventCreated, SessionID: "chat-1", Generation: "g1", TabID: "T1", Phone: "******4477", At: at},
		{Kind: session.EventVerified, SessionID: "chat-1", Generation: "g1", TabID: "T1", Phone: "******4477", At: at.Add(time.Minute)},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should succeed when ping succeeds", func(t *testing.T) {
		_, mockPool := newMockStore(t)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnError(errors.New("permission denied"))
	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit schema")
}

func TestInsertEvents(t *testing.T) {
	t.Run("copies every event", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_events"}, eventColumns).WillReturnResult(2)

		require.NoError(t, s.InsertEvents(context.Background(), sampleEvents()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		require.NoError(t, s.InsertEvents(context.Background(), nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("short copy is an error", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_events"}, eventColumns).WillReturnResult(1)

		err := s.InsertEvents(context.Background(), sampleEvents())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
	})

	t.Run("copy failure is wrapped", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		copyErr := errors.New("connection reset")
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_events"}, eventColumns).WillReturnError(copyErr)

		err := s.InsertEvents(context.Background(), sampleEvents())
		assert.ErrorIs(t, err, copyErr)
	})
}

func TestRecentEvents(t *testing.T) {
	s, mockPool := newMockStore(t)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	rows := pgxmock.NewRows(eventColumns).
		AddRow("verified", "chat-1", "g1", "T1", "******4477", "", at.Add(time.Minute)).
		AddRow("created", "chat-1", "g1", "T1", "******4477", "", at)
	mockPool.ExpectQuery(flexibleSQLMatcher(recentEventsSQL)).WithArgs("chat-1", 10).WillReturnRows(rows)

	events, err := s.RecentEvents(context.Background(), "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventVerified, events[0].Kind)
	assert.Equal(t, session.EventCreated, events[1].Kind)
	assert.Equal(t, at, events[1].At)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
