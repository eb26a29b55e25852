package linkage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), logger), logger), mock
}

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("error linkage carries its reason", func(t *testing.T) {
		repo, mock := newRepo(t)
		reason := models.ReasonLookupFailure
		link := &models.Linkage{
			SourceRecordID:  "rec-1",
			Status:          models.LinkageStatusError,
			ReasonCode:      &reason,
			MatchPath:       models.MatchPathNone,
			ResolverVersion: "v1",
			Evidence:        models.Evidence{Error: "catalog unavailable"},
		}

		mock.ExpectExec(`INSERT INTO linkages \(id, source_record_id, canonical_product_id, status, reason_code, match_path, resolver_version, evidence, created_at\)`).
			WithArgs(sqlmock.AnyArg(), "rec-1", nil, "ERROR", "LOOKUP_FAILURE", "NONE", "v1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Append(ctx, link))
		assert.NotEmpty(t, link.ID)
		assert.False(t, link.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(`INSERT INTO linkages`).WillReturnError(errors.New("fk violation"))

		assert.Error(t, repo.Append(ctx, &models.Linkage{SourceRecordID: "rec-1"}))
	})
}

func TestListBySourceRecord(t *testing.T) {
	ctx := context.Background()
	repo, mock := newRepo(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM linkages WHERE source_record_id = \$1 ORDER BY created_at DESC, id DESC`).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_record_id", "canonical_product_id", "status", "reason_code", "match_path", "resolver_version", "evidence", "created_at"}).
			AddRow("l-2", "rec-1", "cp-1", "MATCHED", nil, "FUZZY", "v1", []byte(`{"score":0.91,"candidate_count":3,"upc_trusted":false}`), now).
			AddRow("l-1", "rec-1", nil, "ERROR", "LOOKUP_FAILURE", "NONE", "v1", []byte(`{"error":"timeout","candidate_count":0,"upc_trusted":false}`), now.Add(-time.Minute)))

	links, err := repo.ListBySourceRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "cp-1", links[0].CanonicalID())
	assert.Equal(t, 0.91, links[0].Evidence.Score)
	assert.Equal(t, 3, links[0].Evidence.CandidateCount)

	require.NotNil(t, links[1].ReasonCode)
	assert.Equal(t, models.ReasonLookupFailure, *links[1].ReasonCode)
	assert.Equal(t, "timeout", links[1].Evidence.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	repo, mock := newRepo(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT status, match_path, COUNT\(\*\) AS count FROM linkages WHERE created_at >= \$1 GROUP BY status, match_path`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"status", "match_path", "count"}).
			AddRow("CREATED", "FUZZY", 4).
			AddRow("MATCHED", "IDENTITY_KEY", 10))

	counts, err := repo.CountByStatus(ctx, since)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, StatusCount{Status: models.LinkageStatusMatched, MatchPath: models.MatchPathIdentityKey, Count: 10}, counts[1])
}
