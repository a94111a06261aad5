package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryRepositoryFindUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewDirectoryRepository(db)

	columns := []string{"id", "email", "full_name", "locale", "active"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, full_name, locale, active FROM users")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("u1", "u1@example.com", "Uma", "id", true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, full_name, locale, active FROM users")).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("u2", "u2@example.com", "Udo", nil, false))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, full_name, locale, active FROM users")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	active, err := repo.FindUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", active.Email)
	assert.Equal(t, "id", active.Locale)

	inactive, err := repo.FindUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, inactive.Email)
	assert.Equal(t, "Udo", inactive.FullName)

	_, err = repo.FindUser(context.Background(), "ghost")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepositoryRolesAndCapabilities(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewDirectoryRepository(db)

	mock.ExpectQuery("SELECT a.user_id FROM course_role_assignments").
		WithArgs("teacher", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("t1").AddRow("t2"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("boss", "c1", "force-approve").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("t1", "c1", "force-approve").
		WillReturnError(errors.New("conn reset"))

	ids, err := repo.UsersWithRole(context.Background(), "teacher", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)

	ok, err := repo.UserHasCapability(context.Background(), "boss", "force-approve", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.UserHasCapability(context.Background(), "t1", "force-approve", "c1")
	assert.ErrorContains(t, err, "check capability")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRepositoryFindModule(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	due := time.Date(2024, time.March, 8, 23, 59, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, course_id, kind, name, due_date FROM course_modules")).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "course_id", "kind", "name", "due_date"}).
			AddRow("m1", "c1", "assign", "Essay", due))

	module, err := NewDirectoryRepository(db).FindModule(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "assign", module.Kind)
	assert.True(t, module.DueDate.Equal(due))
	require.NoError(t, mock.ExpectationsWereMet())
}
