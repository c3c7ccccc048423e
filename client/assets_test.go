package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestListAssets_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.Query, "nfts(owners: $owners, limit: $limit, offset: $offset)")
		assert.Equal(t, []interface{}{testOwner}, body.Variables["owners"])
		assert.Equal(t, float64(200), body.Variables["limit"])
		assert.Equal(t, float64(0), body.Variables["offset"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"nfts":[
			{"name":"Degen #1","address":"addr1","mintAddress":"mint1","description":"d","image":"https://img/1.png","owner":{"address":"` + testOwner + `"}},
			{"name":"Degen #2","address":"addr2","mintAddress":"mint2","description":"","image":""}
		]}}`))
	}))
	defer server.Close()

	client := NewAssetClient(server.URL, 0, nil, nil)
	assets, err := client.ListAssets(context.Background(), testOwner, 0, 0)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "Degen #1", assets[0].Name)
	assert.Equal(t, "mint1", assets[0].MintAddress)
	assert.Equal(t, "https://img/1.png", assets[0].Image)
	assert.Equal(t, "mint2", assets[1].MintAddress)
}

func TestListAssets_LimitIsCapped(t *testing.T) {
	tests := []struct {
		name      string
		pageLimit int
		limit     int
		wantLimit float64
	}{
		{"default cap", 0, 500, 200},
		{"configured cap", 50, 100, 50},
		{"cap above maximum falls back", 1000, 0, 200},
		{"limit below cap kept", 200, 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got float64
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body graphQLRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				got = body.Variables["limit"].(float64)
				w.Write([]byte(`{"data":{"nfts":[]}}`))
			}))
			defer server.Close()

			client := NewAssetClient(server.URL, tt.pageLimit, nil, nil)
			_, err := client.ListAssets(context.Background(), testOwner, 10, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, got)
		})
	}
}

func TestListAssets_EmptyOwner(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewAssetClient(server.URL, 0, nil, nil)
	assets, err := client.ListAssets(context.Background(), "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, assets)
	assert.NotNil(t, assets)
	assert.False(t, called, "no request without an owner")
}

func TestListAssets_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"graphql errors", http.StatusOK, `{"errors":[{"message":"owner not indexed"}]}`, "owner not indexed"},
		{"http error", http.StatusBadGateway, `upstream down`, "status 502"},
		{"malformed body", http.StatusOK, `{"data":`, "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewAssetClient(server.URL, 0, nil, nil)
			_, err := client.ListAssets(context.Background(), testOwner, 0, 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	client := NewAssetClient("http://unused", 0, nil, nil)
	_, err := client.ListAssets(context.Background(), testOwner, -1, 0)
	assert.Error(t, err)
}
