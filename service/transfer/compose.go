package transfer

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
)

// TransferAmount is the number of units moved per asset. Non-fungible
// tokens have a supply of one.
const TransferAmount uint64 = 1

// OperationKind names the on-chain operations the composer emits.
type OperationKind string

const (
	OperationCreateAccount OperationKind = "create_account"
	OperationTransfer      OperationKind = "transfer"
)

// Operation is one instruction of the batch together with the asset it
// belongs to.
type Operation struct {
	Kind        OperationKind      `json:"kind"`
	Mint        solana.PublicKey   `json:"mint"`
	Instruction solana.Instruction `json:"-"`
}

// Compose returns the operations that move one unit of plan.Mint from the
// source owner's associated token account into plan.ReceivingAccount. When
// the receiving account does not exist yet a create instruction, paid for by
// the source owner, precedes the transfer.
func Compose(plan ReceivingAccountPlan, sourceOwner, destination solana.PublicKey) ([]Operation, error) {
	source, err := ReceivingAccount(sourceOwner, plan.Mint)
	if err != nil {
		return nil, stageError(StageComposition, ErrCompositionFailed, err)
	}

	ops := make([]Operation, 0, 2)

	if !plan.Exists {
		create, err := associatedtokenaccount.NewCreateInstruction(sourceOwner, destination, plan.Mint).ValidateAndBuild()
		if err != nil {
			return nil, stageError(StageComposition, ErrCompositionFailed,
				fmt.Errorf("failed to build create account instruction for mint %s: %w", plan.Mint, err))
		}
		ops = append(ops, Operation{Kind: OperationCreateAccount, Mint: plan.Mint, Instruction: create})
	}

	xfer, err := token.NewTransferInstruction(
		TransferAmount,
		source,
		plan.ReceivingAccount,
		sourceOwner,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, stageError(StageComposition, ErrCompositionFailed,
			fmt.Errorf("failed to build transfer instruction for mint %s: %w", plan.Mint, err))
	}
	ops = append(ops, Operation{Kind: OperationTransfer, Mint: plan.Mint, Instruction: xfer})

	return ops, nil
}

// ComposeAll composes every plan in order and flattens the result.
func ComposeAll(plans []ReceivingAccountPlan, sourceOwner, destination solana.PublicKey) ([]Operation, error) {
	ops := make([]Operation, 0, 2*len(plans))
	for _, plan := range plans {
		planOps, err := Compose(plan, sourceOwner, destination)
		if err != nil {
			return nil, err
		}
		ops = append(ops, planOps...)
	}
	return ops, nil
}
