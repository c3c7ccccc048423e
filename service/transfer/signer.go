package transfer

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer is the signing authority of the connected owner.
// Sign must not mutate tx; it returns a signed copy, or an error when the
// owner declines.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// KeypairSigner signs with a local ed25519 key.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps a private key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// LoadKeypairSigner reads a solana-keygen JSON keypair file.
func LoadKeypairSigner(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	return NewKeypairSigner(key), nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signed, err := CloneTransaction(tx)
	if err != nil {
		return nil, err
	}

	pub := s.key.PublicKey()
	_, err = signed.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// CloneTransaction returns a deep copy of tx by round-tripping its wire form.
func CloneTransaction(tx *solana.Transaction) (*solana.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	out, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return out, nil
}

// DecodeSignedTransaction parses a base64 transaction returned by an
// external wallet.
func DecodeSignedTransaction(b64 string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	return tx, nil
}

// PresignedSigner returns a transaction an external wallet has already
// signed. Pipeline.Sign still checks it against the prepared message.
type PresignedSigner struct {
	owner  solana.PublicKey
	signed string
}

// NewPresignedSigner wraps the base64 transaction returned by the owner's
// wallet.
func NewPresignedSigner(owner solana.PublicKey, signedBase64 string) *PresignedSigner {
	return &PresignedSigner{owner: owner, signed: signedBase64}
}

func (s *PresignedSigner) PublicKey() solana.PublicKey {
	return s.owner
}

func (s *PresignedSigner) Sign(ctx context.Context, _ *solana.Transaction) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return DecodeSignedTransaction(s.signed)
}
