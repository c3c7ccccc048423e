package transfer

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

var errOffCurve = errors.New("address is off the ed25519 curve (program-derived addresses cannot own token accounts here)")

// ValidateAddress checks that candidate is a base58 encoded 32 byte Solana
// public key. Surrounding whitespace is not stripped and fails the check. It
// never touches the network.
func ValidateAddress(candidate string) (solana.PublicKey, error) {
	return validateDestination(candidate, true)
}

// ValidateDestination is ValidateAddress plus the owner-curve check applied
// to transfer destinations. Associated token accounts can only be derived
// for wallet owners, so off-curve addresses are refused unless allowOffCurve
// is set.
func ValidateDestination(candidate string, allowOffCurve bool) (solana.PublicKey, error) {
	return validateDestination(candidate, allowOffCurve)
}

func validateDestination(candidate string, allowOffCurve bool) (solana.PublicKey, error) {
	if candidate == "" {
		return solana.PublicKey{}, stageError(StageValidation, ErrInvalidDestination, errors.New("address is empty"))
	}

	pk, err := solana.PublicKeyFromBase58(candidate)
	if err != nil {
		return solana.PublicKey{}, stageError(StageValidation, ErrInvalidDestination, err)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, stageError(StageValidation, ErrInvalidDestination, errors.New("address is the zero key"))
	}
	if !allowOffCurve && !pk.IsOnCurve() {
		return solana.PublicKey{}, stageError(StageValidation, ErrInvalidDestination, errOffCurve)
	}
	return pk, nil
}
