package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/apikey"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCreateKey(t *testing.T) {
	st := store.NewMemoryStore()
	project, err := st.GetDefaultProject(context.Background())
	require.NoError(t, err)
	h := NewCreateKeyHandler(st, bcrypt.MinCost)

	w := serve(h, newRequest(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{
		"name":   "ci-runner",
		"scopes": []string{"read"},
	}, withProject(project.ID)))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var got createKeyResponse
	decodeData(t, w, &got)
	assert.Equal(t, "ci-runner", got.Name)
	assert.Equal(t, []string{apikey.ScopeRead}, got.Scopes)
	assert.Equal(t, got.Key[:apikey.PrefixLen], got.KeyPrefix)

	keys, err := st.GetAPIKeyByPrefix(context.Background(), got.KeyPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, project.ID, keys[0].ProjectID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys[0].KeyHash), []byte(got.Key)))
}

func TestCreateKey_InvalidScope(t *testing.T) {
	st := store.NewMemoryStore()
	project, err := st.GetDefaultProject(context.Background())
	require.NoError(t, err)
	h := NewCreateKeyHandler(st, bcrypt.MinCost)

	w := serve(h, newRequest(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{
		"name":   "ci-runner",
		"scopes": []string{"superuser"},
	}, withProject(project.ID)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateKey_RequiresName(t *testing.T) {
	h := NewCreateKeyHandler(store.NewMemoryStore(), bcrypt.MinCost)

	w := serve(h, newRequest(t, http.MethodPost, "/api/v1/admin/keys", map[string]any{}, withProject(uuid.New())))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Details, "name")
}
