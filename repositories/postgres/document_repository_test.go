package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"go.uber.org/zap"
)

func TestDocumentRepository_FindByID(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("decodes JSONB payload", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("water_analysis")

		mock.ExpectQuery(`SELECT data FROM documents WHERE collection = \$1 AND id = \$2`).
			WithArgs("water_analysis", id).
			WillReturnRows(sqlmock.NewRows([]string{"data"}).
				AddRow([]byte(`{"_id":"` + id.String() + `","lab_number":"W-1","samples":[{"ph":7.2}]}`)))

		doc, err := repo.FindByID(ctx, id)
		require.NoError(t, err)
		gotID, ok := doc.ID()
		assert.True(t, ok)
		assert.Equal(t, id, gotID)
		assert.Equal(t, "W-1", doc.String("lab_number"))
		assert.Equal(t, 7.2, doc["samples"].([]any)[0].(map[string]any)["ph"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("water_analysis")

		mock.ExpectQuery(`SELECT data FROM documents`).
			WillReturnRows(sqlmock.NewRows([]string{"data"}))

		_, err := repo.FindByID(ctx, id)
		assert.True(t, errors.Is(err, repositories.ErrNotFound))
	})
}

func TestDocumentRepository_Find(t *testing.T) {
	ctx := context.Background()
	original := uuid.New()

	t.Run("equality, regex and sort", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("water_analysis_versions")

		mock.ExpectQuery(`SELECT data FROM documents WHERE collection = \$1 AND data @> \$2::jsonb AND data->>\$3 ~ \$4 ORDER BY data->\$5 DESC, id LIMIT \$6`).
			WithArgs("water_analysis_versions",
				[]byte(`{"original_id":"`+original.String()+`"}`),
				"version_created_by", "^an",
				"version_number", 10).
			WillReturnRows(sqlmock.NewRows([]string{"data"}).
				AddRow([]byte(`{"version_number":2}`)).
				AddRow([]byte(`{"version_number":1}`)))

		filter := repositories.Eq(models.FieldOriginalID, original.String()).Regex(models.FieldVersionCreatedBy, "^an")
		docs, err := repo.Find(ctx, filter, repositories.FindOptions{
			SortBy:     models.FieldVersionNumber,
			Descending: true,
			Limit:      10,
		})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		n, _ := docs[0].Int(models.FieldVersionNumber)
		assert.Equal(t, 2, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unsafe field names", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("water_analysis")

		_, err := repo.Find(ctx, repositories.Eq("x'; DROP TABLE documents; --", 1), repositories.FindOptions{})
		assert.Error(t, err)

		_, err = repo.Find(ctx, repositories.Filter{}, repositories.FindOptions{SortBy: "a b"})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDocumentRepository_Writes(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("insert assigns id", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("soil_analysis")

		mock.ExpectExec(`INSERT INTO documents \(collection, id, data\) VALUES \(\$1, \$2, \$3::jsonb\)`).
			WithArgs("soil_analysis", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		doc := models.Record{"lab_number": "S-1"}
		newID, err := repo.Insert(ctx, doc)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, newID)
		assert.NotContains(t, doc, models.FieldID, "caller's record is not mutated")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update merges without touching id", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("soil_analysis")

		mock.ExpectExec(`UPDATE documents SET data = data \|\| \$3::jsonb WHERE collection = \$1 AND id = \$2`).
			WithArgs("soil_analysis", id, []byte(`{"lab_number":"S-2"}`)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		matched, err := repo.UpdateByID(ctx, id, models.Record{models.FieldID: uuid.New().String(), "lab_number": "S-2"})
		require.NoError(t, err)
		assert.True(t, matched)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replace pins id", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("soil_analysis")

		mock.ExpectExec(`UPDATE documents SET data = \$3::jsonb WHERE collection = \$1 AND id = \$2`).
			WithArgs("soil_analysis", id, []byte(`{"_id":"`+id.String()+`","lab_number":"S-3"}`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		matched, err := repo.ReplaceByID(ctx, id, models.Record{"lab_number": "S-3"})
		require.NoError(t, err)
		assert.False(t, matched)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("count and delete", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewDocumentStore(db, zap.NewNop()).Collection("soil_analysis")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM documents WHERE collection = \$1 AND data @> \$2::jsonb`).
			WithArgs("soil_analysis", []byte(`{"created_by":"ana"}`)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectExec(`DELETE FROM documents WHERE collection = \$1 AND id = \$2`).
			WithArgs("soil_analysis", id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := repo.Count(ctx, repositories.Eq(models.FieldCreatedBy, "ana"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		deleted, err := repo.DeleteByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionManager_RoutesRepositoriesThroughTx(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())
	repo := NewDocumentStore(db, zap.NewNop()).Collection("water_analysis")
	id := uuid.New()

	t.Run("commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM documents`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(ctx, func(txCtx context.Context, tx repositories.Transaction) error {
			_, ok := GetTransactionFromContext(txCtx)
			assert.True(t, ok)
			_, err := repo.DeleteByID(txCtx, id)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := tm.InTransaction(ctx, func(context.Context, repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other pool ignores transaction", func(t *testing.T) {
		other, otherMock := newMockDB(t)
		mock.ExpectBegin()
		otherMock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		audit := NewAuditRepository(other, zap.NewNop())
		err := tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
			return audit.Insert(txCtx, models.NewAuditEvent(models.AuditEventLogin))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, otherMock.ExpectationsWereMet())
	})
}
