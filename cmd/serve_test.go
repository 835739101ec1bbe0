package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/firstmover/internal/engine"
	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/store"
)

type fakeAPI struct {
	lastReq engine.Request
	score   *model.Score
	err     error
}

func (f *fakeAPI) ComputeScore(_ context.Context, req engine.Request) (*model.Score, error) {
	f.lastReq = req
	return f.score, f.err
}

func (f *fakeAPI) Score(_ context.Context, id string) (*model.Score, error) {
	if f.score == nil || f.score.ID != id {
		return nil, eris.Wrapf(store.ErrNotFound, "score %s", id)
	}
	return f.score, nil
}

func (f *fakeAPI) Platforms() []model.Platform {
	return []model.Platform{{ID: "twitter", Name: "Twitter", LaunchDate: time.Date(2006, 7, 1, 0, 0, 0, 0, time.UTC), Mode: model.MatchWelcome}}
}

func (f *fakeAPI) Distribution(_ context.Context, id string) (*store.DistributionSummary, error) {
	if id != "twitter" {
		return nil, eris.Wrapf(engine.ErrInvalidRequest, "unknown platform %q", id)
	}
	return &store.DistributionSummary{PlatformID: id, Users: 3, Verified: 2, Manual: 1}, nil
}

func serveRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h := buildRouter(&fakeAPI{}, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rr.Body.String(), `"ok"`)
}

func TestRouter_HealthUnavailable(t *testing.T) {
	h := buildRouter(&fakeAPI{}, func(context.Context) error { return eris.New("db down") }, routerOptions{})

	rr := serveRequest(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Platforms(t *testing.T) {
	h := buildRouter(&fakeAPI{}, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodGet, "/v1/platforms", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got []platformView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "2006-07-01", got[0].LaunchDate)
	assert.Equal(t, model.MatchWelcome, got[0].Mode)
}

func TestRouter_Distribution(t *testing.T) {
	h := buildRouter(&fakeAPI{}, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodGet, "/v1/platforms/twitter/distribution", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got store.DistributionSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Users)

	rr = serveRequest(t, h, http.MethodGet, "/v1/platforms/myspace/distribution", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_CreateScore(t *testing.T) {
	overall := 37.5
	api := &fakeAPI{score: &model.Score{ID: "s1", UserID: "alice", Overall: &overall}}
	h := buildRouter(api, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodPost, "/v1/scores", map[string]any{
		"user_id":      "alice",
		"manual_dates": map[string]string{"twitter": "2008-03-14"},
		"x_username":   "alice_x",
		"messages": []map[string]string{
			{"id": "1", "from": "verify@twitter.com", "subject": "Welcome", "received_at": "2009-04-02T10:00:00Z"},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var got model.Score
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.ID)
	require.NotNil(t, got.Overall)
	assert.InDelta(t, 37.5, *got.Overall, 1e-9)

	assert.Equal(t, "alice", api.lastReq.UserID)
	assert.Equal(t, time.Date(2008, 3, 14, 0, 0, 0, 0, time.UTC), api.lastReq.ManualDates["twitter"])
	assert.NotNil(t, api.lastReq.Source)
	assert.Equal(t, "alice_x", api.lastReq.XUsername)
}

func TestRouter_CreateScore_BadRequests(t *testing.T) {
	api := &fakeAPI{err: eris.Wrap(engine.ErrInvalidRequest, "user id is required")}
	h := buildRouter(api, nil, routerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/scores", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")

	rr = serveRequest(t, h, http.MethodPost, "/v1/scores", map[string]any{
		"user_id":      "alice",
		"manual_dates": map[string]string{"twitter": "March 2008"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "manual_dates.twitter")

	rr = serveRequest(t, h, http.MethodPost, "/v1/scores", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_CreateScore_StoreFailureIs500(t *testing.T) {
	api := &fakeAPI{err: eris.New("engine: record join date: connection refused")}
	h := buildRouter(api, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodPost, "/v1/scores", map[string]any{"user_id": "alice"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

func TestRouter_GetScore(t *testing.T) {
	api := &fakeAPI{score: &model.Score{ID: "s1", UserID: "alice"}}
	h := buildRouter(api, nil, routerOptions{})

	rr := serveRequest(t, h, http.MethodGet, "/v1/scores/s1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serveRequest(t, h, http.MethodGet, "/v1/scores/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_CORS(t *testing.T) {
	h := buildRouter(&fakeAPI{}, nil, routerOptions{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/platforms", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
