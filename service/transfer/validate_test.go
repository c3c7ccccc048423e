package transfer

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()

	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{name: "valid wallet", candidate: wallet.String()},
		{name: "surrounding whitespace", candidate: "  " + wallet.String() + "\n", wantErr: true},
		{name: "trailing space", candidate: wallet.String() + " ", wantErr: true},
		{name: "empty", candidate: "", wantErr: true},
		{name: "whitespace only", candidate: "   ", wantErr: true},
		{name: "not base58", candidate: "not-a-real-address", wantErr: true},
		{name: "contains zero", candidate: "0" + wallet.String()[1:], wantErr: true},
		{name: "too short", candidate: "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", wantErr: true},
		{name: "too long", candidate: wallet.String() + wallet.String(), wantErr: true},
		{name: "zero key", candidate: "11111111111111111111111111111111", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := ValidateAddress(tt.candidate)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidDestination)
				assert.Equal(t, StageValidation, StageOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, pk.Equals(wallet))
		})
	}
}

func TestValidateDestination_OffCurve(t *testing.T) {
	// Associated token accounts are program-derived, hence off curve.
	pda, err := ReceivingAccount(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	require.False(t, pda.IsOnCurve())

	t.Run("rejected by default", func(t *testing.T) {
		_, err := ValidateDestination(pda.String(), false)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidDestination)
		assert.Contains(t, err.Error(), "off the ed25519 curve")
	})

	t.Run("allowed when configured", func(t *testing.T) {
		got, err := ValidateDestination(pda.String(), true)
		require.NoError(t, err)
		assert.True(t, got.Equals(pda))
	})

	t.Run("ValidateAddress accepts any well formed key", func(t *testing.T) {
		_, err := ValidateAddress(pda.String())
		assert.NoError(t, err)
	})
}
