package dialogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnowledgeTool_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req knowledgeSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "giờ làm việc", req.Query)
		assert.Equal(t, 3, req.TopK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"text": "Tổng đài hoạt động từ 8h đến 17h.", "score": 0.91},
				{"text": "Thứ bảy làm việc buổi sáng.", "score": 0.67},
			},
		})
	}))
	defer srv.Close()

	out, err := NewKnowledgeTool(srv.URL).Invoke(context.Background(), json.RawMessage(`{"query":"giờ làm việc"}`))
	require.NoError(t, err)

	var got struct {
		Passages []string `json:"passages"`
	}
	require.NoError(t, json.Unmarshal(out, &got))
	require.Len(t, got.Passages, 2)
	assert.Equal(t, "Tổng đài hoạt động từ 8h đến 17h.", got.Passages[0])
}

func TestKnowledgeTool_BackendErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewKnowledgeTool(srv.URL).Invoke(context.Background(), json.RawMessage(`{"query":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestDefaultRegistry_KnowledgeToolIsOptional(t *testing.T) {
	names := func(r *Registry) []string {
		var out []string
		for _, s := range r.Schemas() {
			out = append(out, s.Function.Name)
		}
		return out
	}

	assert.NotContains(t, names(DefaultRegistry("http://crm", "")), "search_knowledge")
	with := names(DefaultRegistry("http://crm", "http://kb"))
	assert.Contains(t, with, "search_knowledge")
	assert.Contains(t, with, "lookup_order")
	assert.Contains(t, with, "lookup_ticket")
}
