package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SignatureStatus is the cluster's view of a submitted transaction.
// This is our domain model, independent of the RPC response format.
type SignatureStatus struct {
	Signature          string  `json:"signature"`
	Found              bool    `json:"found"`
	Slot               uint64  `json:"slot,omitempty"`
	ConfirmationStatus string  `json:"confirmation_status,omitempty"`
	Confirmations      *uint64 `json:"confirmations,omitempty"`
	Err                *string `json:"error,omitempty"` // nil if transaction succeeded
}

// InstructionSummary is a human-readable description of one instruction of
// a batch transfer transaction.
type InstructionSummary struct {
	Index       int    `json:"index"`
	Program     string `json:"program"`
	Kind        string `json:"kind"`
	Payer       string `json:"payer,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Mint        string `json:"mint,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Authority   string `json:"authority,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
}

func statusToDomain(sig solana.Signature, st *rpc.SignatureStatusesResult) *SignatureStatus {
	out := &SignatureStatus{
		Signature:          sig.String(),
		Found:              true,
		Slot:               st.Slot,
		ConfirmationStatus: string(st.ConfirmationStatus),
		Confirmations:      st.Confirmations,
	}
	if st.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", st.Err)
		out.Err = &errMsg
	}
	return out
}
