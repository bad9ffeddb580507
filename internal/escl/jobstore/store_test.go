package jobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id string, runAt time.Time) Record {
	return Record{
		JobID:        id,
		ScrimID:      1234,
		TeamID:       77,
		EntryDate:    "2024-05-02",
		DispatchTime: &DispatchTime{Hour: 9, Minute: 30},
		RunAt:        runAt,
		CreatedBy:    "42",
		CreatedAt:    time.Date(2024, 4, 20, 1, 2, 3, 0, time.UTC),
		AccountID:    "acc-1",
	}
}

func TestSaveSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entry_jobs.json")
	runAt := time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC)

	st := New(path)
	rec := sampleRecord("job-1", runAt)
	require.NoError(t, st.Save(ctx, rec))

	reopened := New(path)
	got, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.JobID, got[0].JobID)
	assert.Equal(t, rec.ScrimID, got[0].ScrimID)
	assert.Equal(t, rec.TeamID, got[0].TeamID)
	assert.Equal(t, rec.EntryDate, got[0].EntryDate)
	assert.Equal(t, *rec.DispatchTime, *got[0].DispatchTime)
	assert.True(t, rec.RunAt.Equal(got[0].RunAt))
	assert.True(t, rec.CreatedAt.Equal(got[0].CreatedAt))
	assert.Equal(t, "acc-1", got[0].AccountID)
	assert.Empty(t, got[0].JWTFingerprint)
}

func TestRemoveLeavesEmptyObject(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entry_jobs.json")
	st := New(path)

	require.NoError(t, st.Save(ctx, sampleRecord("job-1", time.Now().UTC())))
	require.NoError(t, st.Remove(ctx, "job-1"))
	require.NoError(t, st.Remove(ctx, "missing"))

	got, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	st := New(filepath.Join(t.TempDir(), "jobs.json"))
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	late := sampleRecord("a-late", base.Add(time.Hour))
	tieB := sampleRecord("b", base)
	tieA := sampleRecord("a", base)
	older := sampleRecord("z-older", base)
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)

	for _, r := range []Record{late, tieB, tieA, older} {
		require.NoError(t, st.Save(ctx, r))
	}

	got, err := st.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.JobID)
	}
	assert.Equal(t, []string{"z-older", "a", "b", "a-late"}, ids)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "absent.json"))
	got, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadRejectsMalformedRecords(t *testing.T) {
	cases := map[string]string{
		"not an object":    `[]`,
		"record not obj":   `{"j1": 5}`,
		"zero scrim":       `{"j1":{"jobId":"j1","scrimId":0,"teamId":1,"entryDate":"2024-05-02","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"fraction team":    `{"j1":{"jobId":"j1","scrimId":1,"teamId":1.5,"entryDate":"2024-05-02","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"bad date":         `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024/05/02","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"feb 31":           `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-02-31","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"month 13":         `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-13-01","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"bad dispatch":     `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-05-02","dispatchTime":{"hour":24,"minute":0},"runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"bad runAt":        `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-05-02","runAt":"tomorrow","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"blank createdBy":  `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-05-02","runAt":"2024-05-01T00:00:00.000Z","createdBy":"  ","createdAt":"2024-05-01T00:00:00.000Z"}}`,
		"blank account id": `{"j1":{"jobId":"j1","scrimId":1,"teamId":1,"entryDate":"2024-05-02","runAt":"2024-05-01T00:00:00.000Z","createdBy":"u","createdAt":"2024-05-01T00:00:00.000Z","accountId":" "}}`,
	}

	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobs.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			st := New(path)
			err := st.Load(context.Background())
			require.ErrorIs(t, err, ErrMalformed)

			// Stays unloaded: a later save must not overwrite the bad file.
			err = st.Save(context.Background(), sampleRecord("new", time.Now()))
			require.ErrorIs(t, err, ErrMalformed)
			b, rerr := os.ReadFile(path)
			require.NoError(t, rerr)
			assert.Equal(t, body, string(b))
		})
	}
}

func TestLoadAcceptsValidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	body := `{"key-only":{"scrimId":5,"teamId":6,"entryDate":"2024-05-02","dispatchTime":null,"runAt":"2024-04-30T15:00:00Z","createdBy":" 9 ","createdAt":"2024-04-01T00:00:00.000Z","accountId":null,"jwtFingerprint":"fp"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	st := New(path)
	rec, ok, err := st.Get(context.Background(), "key-only")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "key-only", rec.JobID)
	assert.Nil(t, rec.DispatchTime)
	assert.Equal(t, "9", rec.CreatedBy)
	assert.Equal(t, "fp", rec.JWTFingerprint)
	assert.Empty(t, rec.AccountID)
}

func TestConcurrentSavesAllPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	st := New(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := sampleRecord("job-"+string(rune('a'+i)), time.Now().UTC())
			assert.NoError(t, st.Save(ctx, rec))
		}(i)
	}
	wg.Wait()

	got, err := New(path).List(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "jobs.json"))
	rec := sampleRecord("job-1", time.Now())
	rec.TeamID = 0
	assert.ErrorIs(t, st.Save(context.Background(), rec), ErrMalformed)

	rec = sampleRecord("job-2", time.Now())
	rec.EntryDate = "2023-02-29"
	assert.ErrorIs(t, st.Save(context.Background(), rec), ErrMalformed)

	rec.EntryDate = "2024-02-29"
	assert.NoError(t, st.Save(context.Background(), rec))
}
