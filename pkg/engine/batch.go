package engine

import (
	"context"
	"time"

	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/plan"
)

// BatchDepositRequest shields a large amount as denomination-split slices.
type BatchDepositRequest struct {
	EncryptionKey []byte
	Amount        uint64 // base units
	Decimals      int32  // natural-unit precision; 0 means the native 9
	Spl           bool
	Mint          [32]byte
	Depositor     string
	Sign          SignFunc
}

// BatchWithdrawRequest unshields an amount that may need more than one
// two-input transaction.
type BatchWithdrawRequest struct {
	EncryptionKey []byte
	Amount        uint64
	Recipient     string
	Spl           bool
	Mint          [32]byte

	SignerTokenAccount    string
	RecipientTokenAccount string
	TreeTokenAccount      string
	TreeAta               string
	FeeRecipientAta       string
}

// BatchResult aggregates a multi-transaction operation.
type BatchResult struct {
	Signatures []string
	// IsPartial is set when the executed slices cover less than requested.
	IsPartial bool
	Requested uint64
	Executed  uint64
}

// BatchDeposit splits the amount into standard denominations and runs one
// fresh deposit per slice. Slice dummies are seeded deterministically from
// (batch timestamp, slice index) so their nullifiers are globally unique
// within the batch even though all slices are signed together.
func (e *Engine) BatchDeposit(ctx context.Context, req BatchDepositRequest) (*BatchResult, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Sign == nil {
		return nil, newError(KindValidation, ErrMissingSigner, "deposits require a signing callback", nil)
	}

	decimals := req.Decimals
	if decimals == 0 {
		decimals = plan.NativeDecimals
	}
	slices, remainder := plan.SplitDeposit(req.Amount, decimals)
	if len(slices) == 0 {
		return nil, newError(KindValidation, ErrInvalidAmount,
			"amount is below the smallest deposit denomination", nil)
	}
	if remainder > 0 {
		e.log.Info().Uint64("remainder", remainder).
			Msg("batch deposit residue below smallest denomination is not deposited")
	}

	batchTime := time.Now().Unix()
	result := &BatchResult{Requested: req.Amount}

	for i, sliceAmount := range slices {
		p := &txParams{
			action:        ActionDeposit,
			encryptionKey: req.EncryptionKey,
			amount:        sliceAmount,
			spl:           req.Spl,
			mint:          req.Mint,
			sign:          req.Sign,
			seed:          plan.DummySeed{Timestamp: batchTime, TxIndex: i},
			// Every slice is an independent fresh deposit: no consolidation.
			preselected: []*note.Note{},
		}
		if req.Depositor != "" {
			addr, err := decodeAddress(req.Depositor)
			if err != nil {
				return nil, newError(KindValidation, ErrInvalidAddress, "depositor address", err)
			}
			p.recipient = addr
			p.recipientB58 = req.Depositor
		}

		res, err := e.run(ctx, p)
		if err != nil {
			if len(result.Signatures) == 0 {
				return nil, err
			}
			e.log.Error().Err(err).Int("slice", i).Int("completed", len(result.Signatures)).
				Msg("batch deposit stopped early")
			result.IsPartial = true
			return result, nil
		}
		result.Signatures = append(result.Signatures, res.Signature)
		result.Executed += sliceAmount
	}

	result.IsPartial = result.Executed < result.Requested
	return result, nil
}

// BatchWithdraw plans the withdrawal across slices of at most two inputs
// and executes them sequentially. When the spendable balance cannot cover
// the full request the executed slices are reported with IsPartial set.
func (e *Engine) BatchWithdraw(ctx context.Context, req BatchWithdrawRequest) (*BatchResult, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if len(req.EncryptionKey) != note.EncryptionKeyLen {
		return nil, newError(KindEncryption, ErrKeyNotSet, "encryption key not set or wrong length", nil)
	}
	recipient, err := decodeAddress(req.Recipient)
	if err != nil {
		return nil, newError(KindValidation, ErrInvalidAddress, "recipient address", err)
	}

	numericTag, _ := assetForRequest(req.Spl, req.Mint)
	spendable, err := e.scanner.Scan(ctx, req.EncryptionKey, numericTag, false)
	if err != nil {
		return nil, err
	}
	if len(spendable) == 0 {
		return nil, newError(KindValidation, ErrNoSpendableNotes, "no spendable notes for this asset", nil)
	}

	batchPlan, err := plan.SplitWithdraw(spendable, req.Amount)
	if err != nil {
		return nil, newError(KindValidation, ErrInsufficientBalance, "batch planning failed", err)
	}

	result := &BatchResult{Requested: req.Amount}
	for i, slice := range batchPlan.Slices {
		p := &txParams{
			action:        ActionWithdraw,
			encryptionKey: req.EncryptionKey,
			amount:        slice.Amount,
			recipient:     recipient,
			recipientB58:  req.Recipient,
			spl:           req.Spl,
			mint:          req.Mint,
			preselected:   slice.Notes,
			splAccounts: WithdrawRequest{
				SignerTokenAccount:    req.SignerTokenAccount,
				RecipientTokenAccount: req.RecipientTokenAccount,
				TreeTokenAccount:      req.TreeTokenAccount,
				TreeAta:               req.TreeAta,
				FeeRecipientAta:       req.FeeRecipientAta,
			},
		}

		res, err := e.run(ctx, p)
		if err != nil {
			if len(result.Signatures) == 0 {
				return nil, err
			}
			e.log.Error().Err(err).Int("slice", i).Int("completed", len(result.Signatures)).
				Msg("batch withdrawal stopped early")
			break
		}
		result.Signatures = append(result.Signatures, res.Signature)
		result.Executed += slice.Amount
	}

	result.IsPartial = result.Executed < result.Requested
	return result, nil
}
