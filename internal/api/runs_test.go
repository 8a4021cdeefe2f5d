package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-chat-scraper/internal/store"
)

type fakeRuns struct {
	runs    []store.Run
	listErr error
	getErr  error

	gotTask   string
	gotLimit  int
	gotOffset int
}

func (f *fakeRuns) UpsertRunStart(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}

func (f *fakeRuns) AddThroughput(context.Context, uuid.UUID, int64, time.Time) error {
	return nil
}

func (f *fakeRuns) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return nil
}

func (f *fakeRuns) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	if f.getErr != nil {
		return store.Run{}, f.getErr
	}
	for _, run := range f.runs {
		if run.RunID == runID {
			return run, nil
		}
	}
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRuns) ListRuns(_ context.Context, taskID string, limit, offset int) ([]store.Run, error) {
	f.gotTask, f.gotLimit, f.gotOffset = taskID, limit, offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.runs, nil
}

func sampleRun() store.Run {
	finished := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	reason := "stream ended"
	return store.Run{
		RunID:         uuid.MustParse("0190f5d2-7c1e-7000-8000-000000000001"),
		TaskID:        "abc123",
		Worker:        "process",
		StartedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt:    &finished,
		Status:        store.RunCompleted,
		TotalMessages: 420,
		MaxThroughput: 61,
		Reason:        &reason,
	}
}

func TestRuns_List(t *testing.T) {
	t.Parallel()

	repo := &fakeRuns{runs: []store.Run{sampleRun()}}
	srv := newTestServer(t, Options{Runs: repo})

	rec := serve(t, srv, http.MethodGet, "/v1/runs/?task_id=abc123&limit=1000&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "abc123", repo.gotTask)
	assert.Equal(t, maxRunLimit, repo.gotLimit)
	assert.Equal(t, 5, repo.gotOffset)

	var resp struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "completed", resp.Runs[0].Status)
	assert.Equal(t, int64(61), resp.Runs[0].MaxThroughput)
	require.NotNil(t, resp.Runs[0].Reason)
	assert.Equal(t, "stream ended", *resp.Runs[0].Reason)
}

func TestRuns_ListDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRuns{}
	srv := newTestServer(t, Options{Runs: repo})

	rec := serve(t, srv, http.MethodGet, "/v1/runs/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultRunLimit, repo.gotLimit)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	for _, q := range []string{"limit=0", "limit=x", "offset=-1"} {
		rec = serve(t, srv, http.MethodGet, "/v1/runs/?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	repo.listErr = errors.New("boom")
	rec = serve(t, srv, http.MethodGet, "/v1/runs/", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRuns_Get(t *testing.T) {
	t.Parallel()

	run := sampleRun()
	repo := &fakeRuns{runs: []store.Run{run}}
	srv := newTestServer(t, Options{Runs: repo})

	rec := serve(t, srv, http.MethodGet, "/v1/runs/"+run.RunID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.RunID.String(), resp.Run.RunID)
	assert.Equal(t, int64(420), resp.Run.TotalMessages)

	rec = serve(t, srv, http.MethodGet, "/v1/runs/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/runs/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	repo.getErr = errors.New("boom")
	rec = serve(t, srv, http.MethodGet, "/v1/runs/"+run.RunID.String(), "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRuns_Unavailable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	rec := serve(t, srv, http.MethodGet, "/v1/runs/", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(t, srv, http.MethodGet, "/v1/runs/"+uuid.NewString(), "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
