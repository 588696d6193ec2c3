package forms

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/repositories/memory"
	"github.com/zari-lab/labdata/repositories/postgres"
	"github.com/zari-lab/labdata/services"
	auditsvc "github.com/zari-lab/labdata/services/audit"
	"github.com/zari-lab/labdata/services/versioning"
	"go.uber.org/zap"
)

type fixture struct {
	service *FormService
	docs    *memory.DocumentStore
	audit   *memory.AuditRepository
	now     time.Time
	ed      *models.Principal
	rae     *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		docs:  memory.NewDocumentStore(),
		audit: memory.NewAuditRepository(),
		now:   time.Date(2026, 4, 7, 10, 0, 0, 0, time.UTC),
		ed:    models.NewPrincipal("ed@lab.test", "ed", "x", models.RoleNormal),
		rae:   models.NewPrincipal("rae@lab.test", "rae", "x", models.RoleSuperuser),
	}
	clock := func() time.Time { return f.now }
	recorder := auditsvc.NewAuditService(f.audit, zap.NewNop(), nil, auditsvc.DefaultConfig())

	f.service = NewFormService(f.docs, DefaultRegistry(), recorder, zap.NewNop(), clock)
	f.service.UseVersioning(KindWaterAnalysis, versioning.NewVersioningService(f.docs, recorder, nil, zap.NewNop(), nil,
		versioning.Config{Collection: KindWaterAnalysis, Now: clock}))
	return f
}

func waterReport() models.Record {
	return models.Record{
		"lab_number":    "W-42",
		"farm_location": "Riverside",
		"date_received": "2026-04-01",
		"date_reported": "2026-04-06",
		"samples": []any{
			map[string]any{"sample_ref": "A", "lab_num": "1", "pH": "7.4", "tds": 310},
			map[string]any{"sample_ref": "", "pH": ""},
		},
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("stamps creator and collection", func(t *testing.T) {
		f := newFixture(t)

		doc, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
		require.NoError(t, err)
		assert.Equal(t, "ed", doc[models.FieldCreatedBy])
		assert.Equal(t, "Water Analysis Report", doc[models.FieldCollection])
		created, ok := doc.Time(models.FieldCreatedAt)
		require.True(t, ok)
		assert.True(t, created.Equal(f.now))
		_, ok = doc.ID()
		assert.True(t, ok)
	})

	t.Run("required fields", func(t *testing.T) {
		f := newFixture(t)
		doc := waterReport()
		doc["farm_location"] = "  "
		delete(doc, "date_reported")

		_, err := f.service.Create(ctx, KindWaterAnalysis, doc, f.ed)
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Equal(t, []string{"farm_location", "date_reported"}, services.GetErrorDetails(err)["missing"])
	})

	t.Run("at least one sample with data", func(t *testing.T) {
		f := newFixture(t)
		doc := waterReport()
		doc["samples"] = []any{map[string]any{"sample_ref": "A", "lab_num": "1", "salinity_class": "C2", "pH": ""}}

		_, err := f.service.Create(ctx, KindWaterAnalysis, doc, f.ed)
		assert.True(t, services.IsValidationError(err))
		assert.Contains(t, err.Error(), "At least one sample must have data.")
	})

	t.Run("other kinds have no required fields", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Create(ctx, KindEquipmentLog, models.Record{"equipment_name": "Spectrometer"}, f.ed)
		assert.NoError(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Create(ctx, "tax_return", models.Record{}, f.ed)
		assert.ErrorIs(t, err, services.ErrUnknownForm)
	})
}

func TestEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("versioned kind snapshots first", func(t *testing.T) {
		f := newFixture(t)
		doc, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
		require.NoError(t, err)
		id, _ := doc.ID()

		f.now = f.now.Add(time.Hour)
		updated, err := f.service.Edit(ctx, KindWaterAnalysis, id, models.Record{"farm_location": "Hilltop", "created_by": "mallory"}, f.rae, "")
		require.NoError(t, err)
		assert.Equal(t, "Hilltop", updated["farm_location"])
		assert.Equal(t, "ed", updated[models.FieldCreatedBy])
		editedAt, ok := updated.Time(models.FieldEditedAt)
		require.True(t, ok)
		assert.True(t, editedAt.Equal(f.now))

		n, err := f.docs.Collection(versioning.VersionsCollection(KindWaterAnalysis)).Count(ctx, repositories.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("merged document must stay valid", func(t *testing.T) {
		f := newFixture(t)
		doc, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
		require.NoError(t, err)
		id, _ := doc.ID()

		_, err = f.service.Edit(ctx, KindWaterAnalysis, id, models.Record{"lab_number": ""}, f.ed, "")
		assert.True(t, services.IsValidationError(err))

		n, err := f.docs.Collection(versioning.VersionsCollection(KindWaterAnalysis)).Count(ctx, repositories.Filter{})
		require.NoError(t, err)
		assert.Zero(t, n, "rejected edits leave no version")
	})

	t.Run("plain kind updates in place", func(t *testing.T) {
		f := newFixture(t)
		doc, err := f.service.Create(ctx, KindSoilAnalysis, models.Record{"lab_number": "S-1", "clay": 12.5}, f.ed)
		require.NoError(t, err)
		id, _ := doc.ID()

		updated, err := f.service.Edit(ctx, KindSoilAnalysis, id, models.Record{"clay": 13}, f.ed, "")
		require.NoError(t, err)
		assert.Equal(t, float64(13), updated["clay"])
		assert.True(t, updated.Has(models.FieldEditedAt))
	})

	t.Run("missing document", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Edit(ctx, KindSoilAnalysis, uuid.New(), models.Record{"clay": 1}, f.ed, "")
		assert.ErrorIs(t, err, services.ErrDocumentNotFound)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc, err := f.service.Create(ctx, KindTraceWorksheet, models.Record{"lab_number": "T-9"}, f.ed)
	require.NoError(t, err)
	id, _ := doc.ID()

	err = f.service.Delete(ctx, KindTraceWorksheet, id, f.rae, "")
	assert.ErrorIs(t, err, services.ErrNotOwner, "even superusers cannot delete files of others")

	require.NoError(t, f.service.Delete(ctx, KindTraceWorksheet, id, f.ed, "10.0.0.3"))
	_, err = f.service.Get(ctx, KindTraceWorksheet, id)
	assert.True(t, services.IsNotFoundError(err))

	events, err := f.audit.List(ctx, repositories.AuditQuery{EventType: models.AuditEventDocumentDeleted})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ed@lab.test", events[0].Email)
}

func TestMyFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.service.Create(ctx, KindEquipmentLog, models.Record{"equipment_name": "Kjeldahl unit"}, f.ed)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.service.Create(ctx, KindPHBases, models.Record{"lab_number": "P-3"}, f.rae)
	require.NoError(t, err)

	files, err := f.service.MyFiles(ctx, f.ed)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, KindEquipmentLog, files[0].Collection)
	assert.Equal(t, "Kjeldahl unit", files[0].Title)
	assert.Equal(t, KindWaterAnalysis, files[1].Collection)
	assert.Equal(t, "W-42", files[1].Title)

	none, err := f.service.MyFiles(ctx, models.NewPrincipal("z@lab.test", "z", "x", models.RoleNormal))
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.service.Create(ctx, KindEquipmentLog, models.Record{"equipment_name": "Kjeldahl unit", "analyzed_by": "ed"}, f.ed)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.service.Create(ctx, KindPHBases, models.Record{"lab_number": "P-3", "analyzed_by": "ED Quist"}, f.rae)
	require.NoError(t, err)
	f.now = f.now.Add(24 * time.Hour)
	_, err = f.service.Create(ctx, KindSoilAnalysis, models.Record{"lab_number": "S-9", "date": "2026-04-01"}, f.rae)
	require.NoError(t, err)

	titles := func(files []models.DocumentSummary) []string {
		out := make([]string, 0, len(files))
		for _, file := range files {
			out = append(out, file.Title)
		}
		return out
	}

	tests := []struct {
		name  string
		input SearchInput
		want  []string
	}{
		{"everything newest first", SearchInput{}, []string{"S-9", "P-3", "Kjeldahl unit", "W-42"}},
		{"creator or analyst in any case", SearchInput{CreatedBy: " ED "}, []string{"P-3", "Kjeldahl unit", "W-42"}},
		{"creator is matched literally", SearchInput{CreatedBy: "e.d"}, []string{}},
		{"form title", SearchInput{Title: "equipment log"}, []string{"Kjeldahl unit"}},
		{"kind name", SearchInput{Title: KindSoilAnalysis}, []string{"S-9"}},
		{"unknown title", SearchInput{Title: "Seed Germination"}, []string{}},
		{"creation day", SearchInput{Date: "2026-04-07"}, []string{"P-3", "Kjeldahl unit", "W-42"}},
		{"form date field", SearchInput{Date: "2026-04-01"}, []string{"S-9"}},
		{"creator and date", SearchInput{CreatedBy: "rae", Date: "2026-04-01"}, []string{"S-9"}},
		{"creator on another day", SearchInput{CreatedBy: "ed", Date: "2026-04-08"}, []string{}},
		{"all filters", SearchInput{Title: "pH and Exchangeable Bases", CreatedBy: "quist", Date: "2026-04-07"}, []string{"P-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := f.service.Search(ctx, tt.input)
			require.NoError(t, err)
			assert.NotNil(t, files)
			assert.Equal(t, tt.want, titles(files))
		})
	}

	t.Run("malformed date", func(t *testing.T) {
		_, err := f.service.Search(ctx, SearchInput{Date: "07/04/2026"})
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
	})
}

func TestSearch_Postgres(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hood, still := uuid.New(), uuid.New()
	row := func(id uuid.UUID, name, analyst, created string) []byte {
		return []byte(`{"_id":"` + id.String() + `","equipment_name":"` + name + `","created_by":"ana","analyzed_by":"` +
			analyst + `","created_at":"` + created + `"}`)
	}

	mock.ExpectQuery(`SELECT data FROM documents WHERE collection = \$1 AND data->>\$2 ~ \$3 ORDER BY data->\$4 DESC, id`).
		WithArgs(KindEquipmentLog, models.FieldCreatedBy, "(?i)ana", models.FieldCreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(row(hood, "Fume hood", "ana", "2026-04-07T10:00:00Z")))
	mock.ExpectQuery(`SELECT data FROM documents WHERE collection = \$1 AND data->>\$2 ~ \$3 ORDER BY data->\$4 DESC, id`).
		WithArgs(KindEquipmentLog, "analyzed_by", "(?i)ana", models.FieldCreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(row(still, "Water still", "Ana", "2026-04-08T10:00:00Z")).
			AddRow(row(hood, "Fume hood", "ana", "2026-04-07T10:00:00Z")))

	registry := NewRegistry(Kind{Name: KindEquipmentLog, Title: "Equipment Log", TitleField: "equipment_name"})
	store := postgres.NewDocumentStore(postgres.Wrap(db, zap.NewNop()), zap.NewNop())
	service := NewFormService(store, registry, nil, zap.NewNop(), nil)

	files, err := service.Search(ctx, SearchInput{CreatedBy: "ana"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "Water still", files[0].Title)
	assert.Equal(t, "Fume hood", files[1].Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	doc, err := f.service.Create(ctx, KindWaterAnalysis, waterReport(), f.ed)
	require.NoError(t, err)
	id, _ := doc.ID()

	export, err := f.service.ExportCSV(ctx, KindWaterAnalysis, id)
	require.NoError(t, err)
	assert.Equal(t, "water_analysis_W-42.csv", export.Filename)

	var buf bytes.Buffer
	require.NoError(t, export.WriteTo(&buf))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	values := make(map[string]string)
	for i, k := range records[0] {
		values[k] = records[1][i]
	}
	assert.Equal(t, "W-42", values["lab_number"])
	assert.Equal(t, "7.4", values["samples.0.pH"])
	assert.Equal(t, "310", values["samples.0.tds"])
	assert.Equal(t, "ed", values["created_by"])
	assert.NotContains(t, values, models.FieldID)
	assert.IsIncreasing(t, records[0])
}
