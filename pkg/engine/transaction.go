package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/iden3/go-rapidsnark/types"

	"github.com/veil-labs/veilpool/pkg/extdata"
	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/plan"
	"github.com/veil-labs/veilpool/pkg/prove"
	"github.com/veil-labs/veilpool/pkg/relayer"
	"github.com/veil-labs/veilpool/pkg/spentset"
	"github.com/veil-labs/veilpool/pkg/wire"
)

// Pipeline timing and bounds.
const (
	lockRetries    = 3
	lockRetryDelay = time.Second
	pollAttempts   = 10
	pollInterval   = time.Second

	// maxDelayMinutes is one week.
	maxDelayMinutes = 10080

	// payloadBudget bounds the serialized proof+ext-data blob to what fits
	// a transaction packet after account metas and signatures.
	payloadBudget = 1024
)

// Action selects the transaction direction.
type Action string

const (
	ActionDeposit  Action = "deposit"
	ActionWithdraw Action = "withdraw"
)

// errRootMoved restarts the pipeline: the tree root changed between
// witness construction and submission.
var errRootMoved = errors.New("merkle root changed before submission")

// DepositRequest shields funds into the pool.
type DepositRequest struct {
	EncryptionKey []byte
	Amount        uint64 // base units
	Spl           bool
	Mint          [32]byte // token mint; ignored for native
	Depositor     string   // depositor address, bound into ext-data
	Sign          SignFunc // signs the assembled transaction
}

// WithdrawRequest unshields funds to a recipient.
type WithdrawRequest struct {
	EncryptionKey []byte
	Amount        uint64 // base units
	Recipient     string // base58
	Spl           bool
	Mint          [32]byte
	DelayMinutes  int // 0 = immediate; up to one week

	// SPL plumbing accounts, passed through to the relayer.
	SignerTokenAccount    string
	RecipientTokenAccount string
	TreeTokenAccount      string
	TreeAta               string
	FeeRecipientAta       string
}

// TransferResult reports one completed transaction.
type TransferResult struct {
	Signature string
	// Observed is set when polling saw the output notes land in the tree.
	// False is a soft warning, not a failure.
	Observed bool

	// Delayed-withdrawal scheduling info.
	Delayed   bool
	DelayedID int64
	ExecuteAt string
}

// txParams is the internal, validated form of a transaction request.
type txParams struct {
	action        Action
	encryptionKey []byte
	amount        uint64
	recipient     [32]byte
	recipientB58  string
	spl           bool
	mint          [32]byte
	delayMinutes  int
	seed          plan.DummySeed
	sign          SignFunc

	// preselected pins the inputs (batch slices); nil means scan.
	preselected []*note.Note

	splAccounts WithdrawRequest
}

// Deposit runs a deposit through the pipeline, retrying on root races.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*TransferResult, error) {
	p, err := e.validateDeposit(&req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, p)
}

// Withdraw runs a withdrawal through the pipeline, retrying on root races.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*TransferResult, error) {
	p, err := e.validateWithdraw(&req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, p)
}

func (e *Engine) validateDeposit(req *DepositRequest) (*txParams, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if len(req.EncryptionKey) != note.EncryptionKeyLen {
		return nil, newError(KindEncryption, ErrKeyNotSet, "encryption key not set or wrong length", nil)
	}
	if req.Sign == nil {
		return nil, newError(KindValidation, ErrMissingSigner, "deposits require a signing callback", nil)
	}

	p := &txParams{
		action:        ActionDeposit,
		encryptionKey: req.EncryptionKey,
		amount:        req.Amount,
		spl:           req.Spl,
		mint:          req.Mint,
		sign:          req.Sign,
	}
	if req.Depositor != "" {
		addr, err := decodeAddress(req.Depositor)
		if err != nil {
			return nil, newError(KindValidation, ErrInvalidAddress, "depositor address", err)
		}
		p.recipient = addr
		p.recipientB58 = req.Depositor
	}
	return p, nil
}

func (e *Engine) validateWithdraw(req *WithdrawRequest) (*txParams, error) {
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
	if req.DelayMinutes < 0 || req.DelayMinutes > maxDelayMinutes {
		return nil, newError(KindValidation, ErrInvalidDelay,
			fmt.Sprintf("delay must be within [0, %d] minutes", maxDelayMinutes), nil)
	}

	return &txParams{
		action:        ActionWithdraw,
		encryptionKey: req.EncryptionKey,
		amount:        req.Amount,
		recipient:     recipient,
		recipientB58:  req.Recipient,
		spl:           req.Spl,
		mint:          req.Mint,
		delayMinutes:  req.DelayMinutes,
		splAccounts:   *req,
	}, nil
}

func validateAmount(amount uint64) error {
	if amount == 0 {
		return newError(KindValidation, ErrInvalidAmount, "amount must be positive", nil)
	}
	if amount > 1<<63-1 {
		return newError(KindValidation, ErrInvalidAmount, "amount overflows the signed ext-amount", nil)
	}
	return nil
}

// run drives the state machine as a loop: each iteration is one attempt
// through Selecting → Proving → Submitting → Polling. Retries restart from
// Selecting so a moved root re-selects against fresh state.
func (e *Engine) run(ctx context.Context, p *txParams) (*TransferResult, error) {
	var lastErr *Error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.Warn().Str("action", string(p.action)).Int("retry", attempt).
				Str("cause", lastErr.Code).Msg("restarting transaction pipeline")
		}

		result, err := e.attempt(ctx, p)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, errRootMoved) {
			lastErr = newError(KindTransaction, ErrRootMismatch, "tree root changed during proving", err)
		} else {
			lastErr = Classify(err)
		}
		if !retriable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// attempt is one pass through the pipeline. Locks taken here are released
// on every exit path.
func (e *Engine) attempt(ctx context.Context, p *txParams) (result *TransferResult, err error) {
	// Selecting.
	numericTag, rawTag := assetForRequest(p.spl, p.mint)

	spendable := p.preselected
	if spendable == nil {
		spendable, err = e.scanner.Scan(ctx, p.encryptionKey, numericTag, false)
		if err != nil {
			return nil, err
		}
	}
	if p.action == ActionWithdraw && len(spendable) == 0 {
		return nil, newError(KindValidation, ErrNoSpendableNotes, "no spendable notes for this asset", nil)
	}

	owner, err := note.DeriveKeypair(p.encryptionKey)
	if err != nil {
		return nil, err
	}

	state, err := e.tree.State(ctx)
	if err != nil {
		return nil, err
	}

	var tx *plan.Transaction
	switch p.action {
	case ActionDeposit:
		tx, err = plan.Deposit(p.amount, spendable, owner, numericTag, state.NextIndex, p.seed)
	case ActionWithdraw:
		tx, err = plan.Withdraw(p.amount, spendable, owner, numericTag, state.NextIndex, p.seed)
	default:
		return nil, newError(KindValidation, ErrInvalidState, fmt.Sprintf("unknown action %q", p.action), nil)
	}
	if err != nil {
		return nil, newError(KindValidation, ErrInsufficientBalance, "transaction planning failed", err)
	}

	locked, err := e.lockInputs(ctx, tx, p.action)
	if err != nil {
		return nil, err
	}
	defer e.locks.Unlock(locked)

	// Proving.
	proofs, err := e.inclusionProofs(ctx, tx, state.Root)
	if err != nil {
		return nil, err
	}

	ct1, err := note.Encrypt(p.encryptionKey, tx.Outputs[0])
	if err != nil {
		return nil, err
	}
	ct2, err := note.Encrypt(p.encryptionKey, tx.Outputs[1])
	if err != nil {
		return nil, err
	}

	if size := wire.EstimateSize(len(ct1), len(ct2)); size > payloadBudget {
		return nil, newError(KindValidation, ErrTransactionTooLarge,
			fmt.Sprintf("estimated payload %d exceeds budget %d", size, payloadBudget), nil)
	}

	feeRecipient, _, err := e.feeRecipientAddress(ctx)
	if err != nil {
		return nil, err
	}

	ext := &extdata.ExtData{
		Recipient:    p.recipient,
		ExtAmount:    tx.ExtAmount,
		Ciphertext1:  ct1,
		Ciphertext2:  ct2,
		Fee:          tx.Fee,
		FeeRecipient: feeRecipient,
		AssetTag:     rawTag,
	}
	extDataHash, err := ext.HashAsFieldElement(e.cfg.AssetTagMode)
	if err != nil {
		return nil, err
	}

	witness, err := prove.BuildWitness(tx, proofs, state.Root, extDataHash, numericTag)
	if err != nil {
		return nil, newError(KindProof, ErrWitnessFailed, "witness assembly failed", err)
	}

	zkProof, err := e.prover.Prove(ctx, witness.CircuitInputs())
	if err != nil {
		return nil, newError(KindProof, ErrWitnessFailed, "proving failed", err)
	}

	// Submitting: the root race check. A root that moved while proving
	// would make the on-chain verifier reject; abort before burning the
	// submission.
	current, err := e.tree.State(ctx)
	if err != nil {
		return nil, err
	}
	if current.Root.Cmp(state.Root) != 0 {
		return nil, errRootMoved
	}

	payload, err := buildPayload(witness, zkProof.Proof, tx, ct1, ct2)
	if err != nil {
		return nil, err
	}

	result, err = e.submit(ctx, p, tx, witness, payload)
	if err != nil {
		return nil, err
	}
	if result.Delayed {
		return result, nil
	}

	// Polling. Failure to observe the outputs is a warning, never an
	// error: the relayer may simply be indexing slowly.
	result.Observed = e.pollForOutputs(ctx, current.NextIndex)
	if !result.Observed {
		e.log.Warn().Str("signature", result.Signature).
			Msg("output notes not observed in the tree yet")
	}
	return result, nil
}

// lockInputs acquires the local locks on the real inputs' commitments,
// making 3 attempts at 1-second spacing.
func (e *Engine) lockInputs(ctx context.Context, tx *plan.Transaction, action Action) ([]string, error) {
	var commitments []string
	for _, in := range tx.Inputs {
		if in.Dummy {
			continue
		}
		c, err := in.Note.Commitment()
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, c.String())
	}
	if len(commitments) == 0 {
		return nil, nil
	}

	operation := fmt.Sprintf("%s:%s", action, uuid.NewString())
	for try := 0; try < lockRetries; try++ {
		if e.locks.TryLock(commitments, operation) {
			return commitments, nil
		}
		if err := waitOrCancel(ctx, lockRetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, newError(KindTransaction, ErrInvalidState,
		"input notes are locked by another in-flight transaction", nil)
}

// inclusionProofs fetches proofs for the real inputs and rewrites their
// notes' indices with the authoritative values. This must happen before
// nullifier computation - the witness builder recomputes nullifiers from
// the corrected indices.
func (e *Engine) inclusionProofs(ctx context.Context, tx *plan.Transaction, root *big.Int) ([2]*relayer.MerkleProof, error) {
	var proofs [2]*relayer.MerkleProof
	for i, in := range tx.Inputs {
		if in.Dummy {
			continue
		}
		c, err := in.Note.Commitment()
		if err != nil {
			return proofs, err
		}
		proof, err := e.tree.Proof(ctx, c, root)
		if err != nil {
			return proofs, err
		}
		if proof.Root.Cmp(root) != 0 {
			return proofs, errRootMoved
		}
		in.Note.Index = uint64(proof.Index)
		proofs[i] = proof
	}
	return proofs, nil
}

// buildPayload packs the proof and this client's own canonical public
// inputs into the wire blob.
func buildPayload(w *prove.WitnessInputs, proof *types.ProofData, tx *plan.Transaction, ct1, ct2 []byte) (*wire.Payload, error) {
	packed, err := prove.PackProof(proof)
	if err != nil {
		return nil, err
	}

	signals := w.PublicSignals()
	var packed32 [7][32]byte
	for i, s := range signals {
		b, err := field.ToBytesBE32(s)
		if err != nil {
			return nil, fmt.Errorf("public signal %d: %w", i, err)
		}
		packed32[i] = b
	}

	return &wire.Payload{
		Proof:             packed,
		Root:              packed32[0],
		PublicAmount:      packed32[1],
		ExtDataHash:       packed32[2],
		InputNullifiers:   [2][32]byte{packed32[3], packed32[4]},
		OutputCommitments: [2][32]byte{packed32[5], packed32[6]},
		ExtAmount:         tx.ExtAmount,
		Fee:               tx.Fee,
		Ciphertext1:       ct1,
		Ciphertext2:       ct2,
	}, nil
}

// submit hands the transaction to the relayer.
func (e *Engine) submit(ctx context.Context, p *txParams, tx *plan.Transaction, w *prove.WitnessInputs, payload *wire.Payload) (*TransferResult, error) {
	switch p.action {
	case ActionDeposit:
		serialized := payload.Serialize(p.spl)
		signed, err := p.sign(serialized)
		if err != nil {
			return nil, newError(KindTransaction, ErrSignatureFailed, "host signing callback failed", err)
		}
		resp, err := e.client.SubmitDeposit(ctx, base64Encode(signed), p.spl)
		if err != nil {
			return nil, err
		}
		return &TransferResult{Signature: resp.Signature}, nil

	case ActionWithdraw:
		params, err := e.withdrawParams(p, tx, w, payload)
		if err != nil {
			return nil, err
		}
		if p.delayMinutes > 0 {
			params.DelayMinutes = p.delayMinutes
			resp, err := e.client.SubmitDelayedWithdraw(ctx, params, p.spl)
			if err != nil {
				return nil, err
			}
			return &TransferResult{
				Delayed:   true,
				DelayedID: resp.DelayedWithdrawalID,
				ExecuteAt: resp.ExecuteAt,
			}, nil
		}
		resp, err := e.client.SubmitWithdraw(ctx, params, p.spl)
		if err != nil {
			return nil, err
		}
		return &TransferResult{Signature: resp.Signature}, nil
	}
	return nil, newError(KindValidation, ErrInvalidState, "unknown action", nil)
}

// withdrawParams assembles the relayer's withdraw request, including the
// nullifier marker accounts the program will create.
func (e *Engine) withdrawParams(p *txParams, tx *plan.Transaction, w *prove.WitnessInputs, payload *wire.Payload) (*relayer.WithdrawParams, error) {
	markers, err := spentset.DeriveTransactionMarkers(e.programID, w.InputNullifiers[0], w.InputNullifiers[1])
	if err != nil {
		return nil, err
	}

	_, feeRecipientB58, _ := e.feeRecipient.get()

	params := &relayer.WithdrawParams{
		SerializedProof:     payload.Base64(p.spl),
		TreeAccount:         e.cfg.TreeAccount,
		Nullifier0PDA:       encodeAddress(markers.Nullifier0.Address),
		Nullifier1PDA:       encodeAddress(markers.Nullifier1.Address),
		GlobalConfigAccount: e.cfg.GlobalConfigAccount,
		Recipient:           p.recipientB58,
		FeeRecipientAccount: feeRecipientB58,
		ExtAmount:           tx.ExtAmount,
		EncryptedOutput1:    base64Encode(payload.Ciphertext1),
		EncryptedOutput2:    base64Encode(payload.Ciphertext2),
		Fee:                 tx.Fee,
		LookupTableAddress:  e.cfg.LookupTableAddress,
	}
	if p.spl {
		params.MintAddress = encodeAddress(p.mint)
		params.TreeTokenAccount = p.splAccounts.TreeTokenAccount
		params.SignerTokenAccount = p.splAccounts.SignerTokenAccount
		params.RecipientTokenAccount = p.splAccounts.RecipientTokenAccount
		params.TreeAta = p.splAccounts.TreeAta
		params.FeeRecipientAta = p.splAccounts.FeeRecipientAta
	}
	return params, nil
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// pollForOutputs waits for the tree to grow past the submitted
// transaction's two outputs. The expected next_index + 2 is a lower bound;
// any higher observed value also counts.
func (e *Engine) pollForOutputs(ctx context.Context, nextIndexAtSubmission uint32) bool {
	target := nextIndexAtSubmission + 2
	for i := 0; i < pollAttempts; i++ {
		if err := waitOrCancel(ctx, pollInterval); err != nil {
			return false
		}
		state, err := e.tree.State(ctx)
		if err != nil {
			continue
		}
		if state.NextIndex >= target {
			return true
		}
	}
	return false
}
