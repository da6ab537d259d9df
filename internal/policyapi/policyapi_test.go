package policyapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"ballotd/internal/policyapi"
)

func TestGetFileInstance_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fileInstance", r.URL.Path)
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(policyapi.FileInstance{ComputerID: "c1", FileCatalogID: "f1", LocalState: "APPROVED"})
	}))
	defer srv.Close()

	client := policyapi.New(srv.URL, "token-1", srv.Client())
	instance, err := client.GetFileInstance(context.Background(), "c1", "f1")
	require.NoError(t, err)
	require.Equal(t, "c1", instance.ComputerID)
	require.Equal(t, "APPROVED", instance.LocalState)
}

func TestGetFileInstance_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := policyapi.New(srv.URL, "", srv.Client())
	_, err := client.GetFileInstance(context.Background(), "c1", "f1")
	require.ErrorIs(t, err, policyapi.ErrNotFound)
}

func TestSetFileRuleState_SendsIdempotencyHeader(t *testing.T) {
	var gotIdempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := policyapi.New(srv.URL, "", srv.Client())
	err := client.SetFileRuleState(context.Background(), "idem-123", "f1", policyapi.FileStateAllowlist)
	require.NoError(t, err)
	require.Equal(t, "idem-123", gotIdempotencyKey)
}

func TestDo_NonSuccessStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := policyapi.New(srv.URL, "", srv.Client())
	err := client.SetFileRuleState(context.Background(), "", "f1", policyapi.FileStateBlocklist)
	require.Error(t, err)
}

func TestIdempotencyToken_StableForSameInputs(t *testing.T) {
	a := policyapi.IdempotencyToken("cs-1", "rule-1", 0)
	b := policyapi.IdempotencyToken("cs-1", "rule-1", 0)
	c := policyapi.IdempotencyToken("cs-1", "rule-1", 1)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
