package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/auth"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	h := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	// X-Agent-Address stands in for signature verification in tests
	v1.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Agent-Address"); addr != "" {
			c.Set(auth.ContextKeyAgentAddr, strings.ToLower(addr))
		}
		c.Next()
	})
	h.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), admin.WhenNotPaused(env.ctrl))
	h.RegisterProtectedRoutes(protected)

	ownerOnly := protected.Group("")
	ownerOnly.Use(admin.RequireOwner(env.ctrl))
	h.RegisterOwnerRoutes(ownerOnly)
	return r, env
}

func doJSON(r *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Agent-Address", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RegisterAndGet(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(r, "POST", "/v1/agents", "", gin.H{"name": "Alice", "capabilities": []string{"payments"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, "POST", "/v1/agents", alice.Hex(), gin.H{
		"name": "Alice", "capabilities": []string{"payments", "analysis"}, "metadata": "ipfs://alice",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Address    string `json:"address"`
		TrustScore int    `json:"trustScore"`
		Tier       string `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 55, created.TrustScore)
	assert.Equal(t, "established", created.Tier)
	assert.True(t, strings.EqualFold(alice.Hex(), created.Address))

	w = doJSON(r, "POST", "/v1/agents", alice.Hex(), gin.H{"name": "Alice", "capabilities": []string{"payments"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"invalid_state"`)

	w = doJSON(r, "GET", "/v1/agents/"+alice.Hex(), "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "GET", "/v1/agents/"+bob.Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, "GET", "/v1/agents/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RegisterValidation(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(r, "POST", "/v1/agents", alice.Hex(), gin.H{"name": "Alice", "capabilities": []string{"a", "a"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate capability")
}

func TestHandler_ListAndSearch(t *testing.T) {
	r, env := setupTestRouter(t)
	env.register(t, alice, "Alice", "payments")
	env.register(t, bob, "Bob", "payments", "audit")

	w := doJSON(r, "GET", "/v1/agents?offset=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []string `json:"items"`
		Total int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.True(t, strings.EqualFold(bob.Hex(), page.Items[0]))

	w = doJSON(r, "GET", "/v1/agents/all", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = doJSON(r, "GET", "/v1/capabilities/audit/agents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_FeedbackAndTrust(t *testing.T) {
	r, env := setupTestRouter(t)
	env.register(t, alice, "Alice", "payments")
	env.register(t, bob, "Bob", "payments")

	w := doJSON(r, "POST", "/v1/feedback", alice.Hex(), gin.H{"to": bob.Hex(), "rating": 4, "paymentRef": "0x1234"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "short payment reference")

	w = doJSON(r, "POST", "/v1/feedback", alice.Hex(), gin.H{"to": bob.Hex(), "rating": 4})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, "GET", "/v1/agents/"+bob.Hex()+"/feedback", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = doJSON(r, "POST", "/v1/trust/payments", alice.Hex(), gin.H{
		"agent1": alice.Hex(), "agent2": bob.Hex(),
		"txRef": "0x" + strings.Repeat("ab", 32),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	b, _ := env.svc.Get(t.Context(), bob)
	assert.Equal(t, 82, b.TrustScore)
}

func TestHandler_Interactions(t *testing.T) {
	r, env := setupTestRouter(t)
	env.register(t, alice, "Alice", "payments")
	env.register(t, bob, "Bob", "payments")

	w := doJSON(r, "POST", "/v1/interactions", alice.Hex(), gin.H{"to": bob.Hex(), "capability": "payments"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var in struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &in))

	w = doJSON(r, "GET", "/v1/interactions/"+in.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/v1/interactions/"+in.ID+"/complete", carol.Hex(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "POST", "/v1/interactions/"+in.ID+"/complete", bob.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed":true`)

	w = doJSON(r, "GET", "/v1/agents/"+alice.Hex()+"/interactions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestHandler_OwnerRoutes(t *testing.T) {
	r, env := setupTestRouter(t)
	env.register(t, alice, "Alice", "payments")

	w := doJSON(r, "PUT", "/v1/admin/agents/"+alice.Hex()+"/trust", bob.Hex(), gin.H{"score": 90})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "PUT", "/v1/admin/agents/"+alice.Hex()+"/trust", owner.Hex(), gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "PUT", "/v1/admin/agents/"+alice.Hex()+"/trust", owner.Hex(), gin.H{"score": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"trustScore":0`)

	w = doJSON(r, "POST", "/v1/admin/agents/"+alice.Hex()+"/deactivate", owner.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "GET", "/v1/agents/"+alice.Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_PausedBlocksMutations(t *testing.T) {
	r, env := setupTestRouter(t)
	require.NoError(t, env.ctrl.Pause(t.Context(), owner))

	w := doJSON(r, "POST", "/v1/agents", alice.Hex(), gin.H{"name": "Alice", "capabilities": []string{"a"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, "GET", "/v1/agents", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
