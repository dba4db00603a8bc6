package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalhttp "github.com/EternisAI/rac-sentinel/internal/api/http"
	"github.com/EternisAI/rac-sentinel/internal/api/http/dto"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

const testAPIKey = "system-test-key"

func doJSON(t *testing.T, engine *gin.Engine, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestEnqueueCommandAPI(t *testing.T, st *store.Postgres) {
	agentID := newAgent(t, st)

	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		AgentID:     agentID,
		AdminAPIKey: testAPIKey,
		Commands:    st,
	})

	t.Run("health", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/api/v1/commands", "", map[string]any{
			"type":    "MassUpdateVersions",
			"payload": map[string]string{"targetVersion": "8.3.24.1467"},
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid payload", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/api/v1/commands", testAPIKey, map[string]any{
			"type":    "UpdatePublicationVersion",
			"payload": map[string]string{"siteName": "acme"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("enqueued command is pending", func(t *testing.T) {
		w := doJSON(t, engine, http.MethodPost, "/api/v1/commands", testAPIKey, map[string]any{
			"type":    "MassUpdateVersions",
			"payload": map[string]string{"targetVersion": "8.3.24.1467"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var resp dto.CommandResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "pending", resp.Status)

		next, err := st.NextPendingCommand(context.Background(), agentID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, resp.ID, next.ID)
		assert.Equal(t, store.CommandMassUpdateVersions, next.Type)
	})
}
