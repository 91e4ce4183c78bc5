package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockMySQLRepo(t *testing.T) (ConversationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewMySQLConversationRepository(gdb), mock
}

var conversationColumns = []string{"id", "owner_id", "title", "is_favorite", "messages", "created_at", "updated_at"}

func TestMySQLConversationRepository_Create(t *testing.T) {
	repo, mock := newMockMySQLRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `conversations`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := repo.Create(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConversationRepository_Get(t *testing.T) {
	repo, mock := newMockMySQLRepo(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(conversationColumns).
		AddRow("c1", "u1", "Meloxicam dosing", true, []byte(`[{"role":"user","content":"q","timestamp":"2024-05-01T12:00:00Z"}]`), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `conversations` WHERE id = ?")).
		WillReturnRows(rows)

	conv, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", conv.OwnerID)
	assert.True(t, conv.IsFavorite)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "q", conv.Messages[0].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConversationRepository_GetNotFound(t *testing.T) {
	repo, mock := newMockMySQLRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `conversations` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(conversationColumns))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConversationRepository_DeleteNotFound(t *testing.T) {
	repo, mock := newMockMySQLRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `conversations` WHERE id = ?")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLConversationRepository_MutateNotFoundRollsBack(t *testing.T) {
	repo, mock := newMockMySQLRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `conversations` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(conversationColumns))
	mock.ExpectRollback()

	err := repo.SetTitle(context.Background(), "missing", "title")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
