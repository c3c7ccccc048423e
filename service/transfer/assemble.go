package transfer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Freshness is the recent blockhash a transaction is stamped with, and the
// last block height at which it remains valid.
type Freshness struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"lastValidBlockHeight"`
}

// PendingTransaction is an assembled, unsigned batch transaction.
type PendingTransaction struct {
	Transaction *solana.Transaction    `json:"-"`
	Operations  []Operation            `json:"operations"`
	Plans       []ReceivingAccountPlan `json:"plans"`
	FeePayer    solana.PublicKey       `json:"feePayer"`
	Destination solana.PublicKey       `json:"destination"`
	Freshness   Freshness              `json:"freshness"`
}

// Assemble concatenates operations, in the order given, into a single
// transaction paid for by feePayer and stamped with freshness.
func Assemble(ops []Operation, feePayer solana.PublicKey, freshness Freshness) (*PendingTransaction, error) {
	if len(ops) == 0 {
		return nil, stageError(StageComposition, ErrEmptySelection, errors.New("no operations to assemble"))
	}

	instructions := make([]solana.Instruction, len(ops))
	for i, op := range ops {
		instructions[i] = op.Instruction
	}

	tx, err := solana.NewTransaction(instructions, freshness.Blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, stageError(StageComposition, ErrCompositionFailed, fmt.Errorf("failed to assemble transaction: %w", err))
	}

	return &PendingTransaction{
		Transaction: tx,
		Operations:  ops,
		FeePayer:    feePayer,
		Freshness:   freshness,
	}, nil
}

// CreatedAccounts counts the receiving accounts the transaction will create.
func (p *PendingTransaction) CreatedAccounts() int {
	n := 0
	for _, op := range p.Operations {
		if op.Kind == OperationCreateAccount {
			n++
		}
	}
	return n
}

// Mints returns the distinct mints moved by the transaction in order.
func (p *PendingTransaction) Mints() []solana.PublicKey {
	mints := make([]solana.PublicKey, 0, len(p.Operations))
	for _, op := range p.Operations {
		if op.Kind == OperationTransfer {
			mints = append(mints, op.Mint)
		}
	}
	return mints
}

// Base64 encodes the unsigned transaction for an external signer.
func (p *PendingTransaction) Base64() (string, error) {
	return p.Transaction.ToBase64()
}

// VerifySigned checks that signed carries exactly the message of the pending
// transaction and a valid signature from every required signer.
func (p *PendingTransaction) VerifySigned(signed *solana.Transaction) error {
	if signed == nil {
		return errors.New("signer returned no transaction")
	}

	want, err := p.Transaction.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode prepared message: %w", err)
	}
	got, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode signed message: %w", err)
	}
	if !bytes.Equal(want, got) {
		return errors.New("signed transaction does not match the prepared message")
	}

	if err := signed.VerifySignatures(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	return nil
}
