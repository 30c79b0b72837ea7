package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdnpub/pubgate/internal/store"
	"github.com/cdnpub/pubgate/internal/types"
)

// The queue queries carry the concurrency contract (SKIP LOCKED claims,
// merge-on-write upserts, ETA-guarded acks), so their SQL shape is pinned
// here with sqlmock. Behavioral coverage lives in storetest and in the
// consumer/worker suites running against the in-memory store.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "postgres"), "pubgate_messages"), mock
}

func TestClaimMessageQueryShape(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "queue", "actor", "consumer_id", "body", "enqueued_at", "eta"}).
		AddRow(uuid.New(), "tasks", "ping", "tasks-abc", []byte(`{}`), time.Now(), nil)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("tasks", "tasks-abc").
		WillReturnRows(rows)

	msg, err := s.ClaimMessage(context.Background(), "tasks", "tasks-abc")
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Actor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimMessageEmptyQueue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("tasks", "tasks-abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.ClaimMessage(context.Background(), "tasks", "tasks-abc")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertMessageClearsClaimAndNotifies(t *testing.T) {
	s, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("consumer_id = NULL")).
		WithArgs(id, "tasks", "ping", []byte(`{}`), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("pg_notify")).
		WithArgs("pubgate_messages", "tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertMessage(context.Background(), &types.Message{
		ID:    id,
		Queue: "tasks",
		Actor: "ping",
		Body:  []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckMessageSkipsDelayedRows(t *testing.T) {
	s, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dramatiq_messages WHERE id = $1 AND eta IS NULL")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.AckMessage(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimLostMessagesQueryShape(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`NOT EXISTS \(SELECT 1 FROM dramatiq_consumers(.|\n)*FOR UPDATE SKIP LOCKED`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.ReclaimLostMessages(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSetTaskStateNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET state = $2, updated = $3 WHERE id = $1")).
		WithArgs(id, types.TaskComplete, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetTaskState(context.Background(), id, types.TaskComplete)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunInTransactionCommitsAndRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE publishes SET state")).
		WithArgs(sqlmock.AnyArg(), types.PublishCommitting, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTransaction(context.Background(), func(tx store.Transaction) error {
		return tx.SetPublishState(context.Background(), uuid.New(), types.PublishCommitting)
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = s.RunInTransaction(context.Background(), func(tx store.Transaction) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
