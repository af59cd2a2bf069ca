package relayer

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/veil-labs/veilpool/pkg/field"
)

// TreeState is the (root, nextIndex) pair maintained by the indexer. It is
// mutable on chain and monotonic in NextIndex.
type TreeState struct {
	Root      *big.Int
	NextIndex uint32
}

// treeStateJSON is the wire shape of /merkle/root.
type treeStateJSON struct {
	Root      string `json:"root"`
	NextIndex uint32 `json:"nextIndex"`
}

// MerkleProof is the inclusion proof for one commitment.
type MerkleProof struct {
	PathElements []*big.Int
	PathIndices  []int
	Index        uint32
	Root         *big.Int
	NextIndex    uint32
}

// merkleProofJSON is the wire shape of /merkle/proof/{commitment}.
type merkleProofJSON struct {
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
	Index        uint32   `json:"index"`
	Root         string   `json:"root"`
	NextIndex    uint32   `json:"nextIndex"`
}

// EncryptedOutput is one entry of the encrypted-output stream. Index is the
// leaf position when the relayer reported one (the record-shaped range
// response carries it; the flat shape does not).
type EncryptedOutput struct {
	Data  []byte
	Index *uint32
}

// RangeResult is the parsed /utxos/range response.
type RangeResult struct {
	Outputs []EncryptedOutput
	Total   uint32
	HasMore bool
}

// The two known /utxos/range response shapes. The relayer is schema-less at
// source, so both are parsed strictly and everything else is rejected.
type rangeObjectJSON struct {
	EncryptedOutputs []string `json:"encrypted_outputs"`
	Total            uint32   `json:"total"`
	HasMore          bool     `json:"hasMore"`
}

type rangeRecordJSON struct {
	Commitment      string  `json:"commitment"`
	EncryptedOutput string  `json:"encrypted_output"`
	Index           uint32  `json:"index"`
	Nullifier       *string `json:"nullifier"`
}

// parseRangeResponse detects which of the two shapes the relayer sent from
// the leading JSON token and parses accordingly.
func parseRangeResponse(raw json.RawMessage) (*RangeResult, error) {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if trimmed == "" {
		return nil, fmt.Errorf("empty range response")
	}

	switch trimmed[0] {
	case '{':
		var obj rangeObjectJSON
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("malformed range response object: %w", err)
		}
		out := &RangeResult{
			Outputs: make([]EncryptedOutput, 0, len(obj.EncryptedOutputs)),
			Total:   obj.Total,
			HasMore: obj.HasMore,
		}
		for i, enc := range obj.EncryptedOutputs {
			data, err := decodeOutputString(enc)
			if err != nil {
				return nil, fmt.Errorf("encrypted output %d: %w", i, err)
			}
			out.Outputs = append(out.Outputs, EncryptedOutput{Data: data})
		}
		return out, nil

	case '[':
		var records []rangeRecordJSON
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("malformed range response array: %w", err)
		}
		out := &RangeResult{
			Outputs: make([]EncryptedOutput, 0, len(records)),
			Total:   uint32(len(records)),
		}
		for i, rec := range records {
			data, err := decodeOutputString(rec.EncryptedOutput)
			if err != nil {
				return nil, fmt.Errorf("encrypted output %d: %w", i, err)
			}
			index := rec.Index
			out.Outputs = append(out.Outputs, EncryptedOutput{Data: data, Index: &index})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unrecognized range response shape")
	}
}

// decodeOutputString interprets one encrypted-output entry. The stream
// carries base64 or hex; base64 is tried first and hex (optionally
// 0x-prefixed) only when base64 decoding fails, so a hex string that is
// also well-formed base64 is decoded as base64.
func decodeOutputString(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty encrypted output")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("encrypted output is neither base64 nor hex")
}

// parseFieldString parses a field element that the relayer may emit as
// "0x"-prefixed hex or as a decimal string.
func parseFieldString(s string) (*big.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("malformed hex field element %q", s)
		}
		if v.Cmp(field.FieldSize) >= 0 {
			return nil, fmt.Errorf("field element %q out of range", s)
		}
		return v, nil
	}
	return field.ParseDecimal(s)
}

// SubmitResponse is the relayer's acknowledgment of a forwarded
// transaction.
type SubmitResponse struct {
	Signature string `json:"signature"`
	Success   bool   `json:"success"`
}

// DelayedWithdrawResponse acknowledges a scheduled withdrawal.
type DelayedWithdrawResponse struct {
	Success             bool   `json:"success"`
	DelayedWithdrawalID int64  `json:"delayedWithdrawalId"`
	ExecuteAt           string `json:"executeAt"`
	DelayMinutes        int    `json:"delayMinutes"`
}

// RelayerInfo is the /relayer identity response.
type RelayerInfo struct {
	Success bool `json:"success"`
	Relayer struct {
		PublicKey string `json:"publicKey"`
	} `json:"relayer"`
}

// WithdrawParams is the request body of the /withdraw family of endpoints.
// The SPL variant fills the token-account fields; the native variant leaves
// them empty and they are omitted.
type WithdrawParams struct {
	SerializedProof       string `json:"serializedProof"`
	TreeAccount           string `json:"treeAccount"`
	TreeTokenAccount      string `json:"treeTokenAccount,omitempty"`
	Nullifier0PDA         string `json:"nullifier0PDA"`
	Nullifier1PDA         string `json:"nullifier1PDA"`
	GlobalConfigAccount   string `json:"globalConfigAccount"`
	Recipient             string `json:"recipient"`
	FeeRecipientAccount   string `json:"feeRecipientAccount"`
	MintAddress           string `json:"mintAddress,omitempty"`
	SignerTokenAccount    string `json:"signerTokenAccount,omitempty"`
	RecipientTokenAccount string `json:"recipientTokenAccount,omitempty"`
	TreeAta               string `json:"treeAta,omitempty"`
	FeeRecipientAta       string `json:"feeRecipientAta,omitempty"`
	ExtAmount             int64  `json:"extAmount"`
	EncryptedOutput1      string `json:"encryptedOutput1"`
	EncryptedOutput2      string `json:"encryptedOutput2"`
	Fee                   uint64 `json:"fee"`
	LookupTableAddress    string `json:"lookupTableAddress"`
	DelayMinutes          int    `json:"delayMinutes,omitempty"`
}
