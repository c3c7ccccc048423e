package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// AssociatedTokenProgramID creates associated token accounts
	AssociatedTokenProgramID = solana.SPLAssociatedTokenAccountProgramID
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// Associated Token Account program instruction types. The original Create
// instruction carries no data at all.
const (
	AssociatedTokenCreateInstruction           = uint8(0)
	AssociatedTokenCreateIdempotentInstruction = uint8(1)
)

// DescribeTransaction decodes the compiled instructions of tx into
// summaries a signer can review before authorizing the batch.
func DescribeTransaction(tx *solana.Transaction) ([]InstructionSummary, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	accountKeys := tx.Message.AccountKeys
	out := make([]InstructionSummary, 0, len(tx.Message.Instructions))

	for i, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			return nil, fmt.Errorf("instruction %d: program index out of bounds", i)
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		var (
			summary InstructionSummary
			err     error
		)
		switch {
		case programID.Equals(AssociatedTokenProgramID):
			summary, err = parseCreateAccount(instruction, accountKeys)
		case programID.Equals(TokenProgramID):
			summary, err = parseTokenTransfer(instruction, accountKeys)
		default:
			summary = InstructionSummary{Program: programID.String(), Kind: "unknown"}
		}
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		summary.Index = i
		out = append(out, summary)
	}

	return out, nil
}

// parseCreateAccount describes a create-associated-token-account instruction.
func parseCreateAccount(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (InstructionSummary, error) {
	// Accounts: [payer, associated account, wallet, mint, system program, token program]
	if len(instruction.Data) > 0 &&
		instruction.Data[0] != AssociatedTokenCreateInstruction &&
		instruction.Data[0] != AssociatedTokenCreateIdempotentInstruction {
		return InstructionSummary{}, fmt.Errorf("unknown associated token instruction type: %d", instruction.Data[0])
	}

	keys, err := resolveAccounts(instruction, accountKeys, 4)
	if err != nil {
		return InstructionSummary{}, err
	}

	return InstructionSummary{
		Program:     "associated-token-account",
		Kind:        "create_account",
		Payer:       keys[0].String(),
		Destination: keys[1].String(),
		Owner:       keys[2].String(),
		Mint:        keys[3].String(),
	}, nil
}

// parseTokenTransfer describes an SPL Token Transfer or TransferChecked.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (InstructionSummary, error) {
	if len(instruction.Data) == 0 {
		return InstructionSummary{}, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// Transfer instruction format:
		// [0]     = instruction type (u8, 3 = Transfer)
		// [1..9]  = amount (u64)
		if len(instruction.Data) < 9 {
			return InstructionSummary{}, fmt.Errorf("transfer instruction data too short")
		}
		// Accounts: [source, destination, authority]
		keys, err := resolveAccounts(instruction, accountKeys, 3)
		if err != nil {
			return InstructionSummary{}, err
		}
		return InstructionSummary{
			Program:     "token",
			Kind:        "transfer",
			Source:      keys[0].String(),
			Destination: keys[1].String(),
			Authority:   keys[2].String(),
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
		}, nil

	case TokenProgramTransferCheckedInstruction:
		// [0] = 12, [1..9] = amount, [9] = decimals
		if len(instruction.Data) < 10 {
			return InstructionSummary{}, fmt.Errorf("transferChecked instruction data too short")
		}
		// Accounts: [source, mint, destination, authority]
		keys, err := resolveAccounts(instruction, accountKeys, 4)
		if err != nil {
			return InstructionSummary{}, err
		}
		return InstructionSummary{
			Program:     "token",
			Kind:        "transfer",
			Source:      keys[0].String(),
			Mint:        keys[1].String(),
			Destination: keys[2].String(),
			Authority:   keys[3].String(),
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
		}, nil

	default:
		return InstructionSummary{Program: "token", Kind: "unknown"}, nil
	}
}

func resolveAccounts(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, want int) ([]solana.PublicKey, error) {
	if len(instruction.Accounts) < want {
		return nil, fmt.Errorf("expected at least %d accounts, got %d", want, len(instruction.Accounts))
	}
	keys := make([]solana.PublicKey, want)
	for i := 0; i < want; i++ {
		idx := instruction.Accounts[i]
		if int(idx) >= len(accountKeys) {
			return nil, fmt.Errorf("account index %d out of bounds", idx)
		}
		keys[i] = accountKeys[idx]
	}
	return keys, nil
}

// AttachMints fills in the mint of transfer summaries from the create
// instructions and known receiving accounts of the same transaction.
// accountMints maps receiving account to mint.
func AttachMints(summaries []InstructionSummary, accountMints map[string]string) {
	for i := range summaries {
		if summaries[i].Mint != "" {
			continue
		}
		if mint, ok := accountMints[summaries[i].Destination]; ok {
			summaries[i].Mint = mint
		}
	}
}
