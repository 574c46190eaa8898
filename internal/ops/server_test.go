package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hieu-vn/voip-ai-agent/internal/session"
)

type staticLister []session.Snapshot

func (l staticLister) Snapshot() []session.Snapshot { return l }

func TestHealthz(t *testing.T) {
	s := NewServer(":0", staticLister(nil))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCallsListsLiveSessions(t *testing.T) {
	s := NewServer(":0", staticLister{
		{CallID: "c1", CallerID: "0355123456", State: "speaking", StartedAt: time.Now(), Turns: 3},
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "c1", snaps[0].CallID)
	assert.Equal(t, "speaking", snaps[0].State)
	assert.Equal(t, 3, snaps[0].Turns)
}

func TestCallsEmptyIsJSONArray(t *testing.T) {
	s := NewServer(":0", staticLister(nil))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
