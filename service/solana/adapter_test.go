package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRandomEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []string
		wantErr   bool
	}{
		{name: "single devnet endpoint", endpoints: []string{"https://api.devnet.solana.com"}},
		{name: "several providers", endpoints: []string{"https://api.mainnet-beta.solana.com", "https://rpc.ankr.com/solana"}},
		{name: "nothing configured", endpoints: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectRandomEndpoint(tt.endpoints)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no RPC endpoints configured")
				return
			}
			require.NoError(t, err)
			assert.Contains(t, tt.endpoints, got)
		})
	}
}

func TestSelectRandomEndpoint_SpreadsLoad(t *testing.T) {
	endpoints := []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"}

	// 64 draws from 4 endpoints landing on a single one is vanishingly unlikely
	seen := make(map[string]int)
	for i := 0; i < 64; i++ {
		got, err := SelectRandomEndpoint(endpoints)
		require.NoError(t, err)
		seen[got]++
	}
	assert.Greater(t, len(seen), 1)
}

func TestNewRPCClient(t *testing.T) {
	var c RPCClient = NewRPCClient("https://api.devnet.solana.com")
	assert.NotNil(t, c)
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.mainnet-beta.solana.com", "mainnet"},
		{"https://api.devnet.solana.com", "devnet"},
		{"https://mainnet.helius-rpc.com/?api-key=secret", "helius"},
		{"https://example.solana-mainnet.quiknode.pro/secret/", "quiknode"},
		{"https://rpc.ankr.com/solana", "ankr"},
		{"http://localhost:8899", "local"},
		{"https://rpc.internal.example", "rpc.internal.example"},
		{"::not a url", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := EndpointLabel(tt.url)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "secret")
		})
	}
}
