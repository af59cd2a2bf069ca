package prove

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iden3/go-rapidsnark/prover"
	"github.com/iden3/go-rapidsnark/types"
	"github.com/iden3/go-rapidsnark/verifier"
	"github.com/iden3/go-rapidsnark/witness/v2"
	"github.com/iden3/go-rapidsnark/witness/wazero"
	"github.com/rs/zerolog"
)

// Artifact filenames expected under the circuit directory.
const (
	wasmFile = "transaction.wasm"
	zkeyFile = "transaction.zkey"
	vkeyFile = "verification_key.json"
)

// Prover produces a Groth16 proof for assembled circuit inputs.
//
// Implementations are stateless from the engine's perspective and safe for
// concurrent use.
type Prover interface {
	Prove(ctx context.Context, inputs map[string]interface{}) (*types.ZKProof, error)
}

// CircomProver proves against circom-compiled artifacts: a wasm witness
// generator and a Groth16 proving key produced by the trusted setup.
type CircomProver struct {
	calculator    witness.Calculator
	zkey          []byte
	vkey          []byte
	verifyLocally bool
	log           zerolog.Logger
}

// CircomOption configures a CircomProver.
type CircomOption func(*CircomProver)

// WithLocalVerification verifies every produced proof against the
// verification key before returning it. Costs one pairing check per proof;
// useful when a rejected transaction is more expensive than the check.
func WithLocalVerification() CircomOption {
	return func(p *CircomProver) { p.verifyLocally = true }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) CircomOption {
	return func(p *CircomProver) { p.log = log }
}

// NewCircomProver loads the circuit artifacts from circuitDir.
func NewCircomProver(circuitDir string, opts ...CircomOption) (*CircomProver, error) {
	wasm, err := os.ReadFile(filepath.Join(circuitDir, wasmFile))
	if err != nil {
		return nil, fmt.Errorf("circuit wasm missing: %w", err)
	}
	zkey, err := os.ReadFile(filepath.Join(circuitDir, zkeyFile))
	if err != nil {
		return nil, fmt.Errorf("proving key missing: %w", err)
	}

	calc, err := witness.NewCalculator(wasm, witness.WithWasmEngine(wazero.NewCircom2WZWitnessCalculator))
	if err != nil {
		return nil, fmt.Errorf("witness calculator init failed: %w", err)
	}

	p := &CircomProver{
		calculator: calc,
		zkey:       zkey,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.verifyLocally {
		vkey, err := os.ReadFile(filepath.Join(circuitDir, vkeyFile))
		if err != nil {
			return nil, fmt.Errorf("verification key missing: %w", err)
		}
		p.vkey = vkey
	}
	return p, nil
}

// Prove calculates the witness and runs the Groth16 prover.
func (p *CircomProver) Prove(ctx context.Context, inputs map[string]interface{}) (*types.ZKProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wtns, err := p.calculator.CalculateWTNSBin(inputs, true)
	if err != nil {
		return nil, fmt.Errorf("witness generation failed: %s: %w", witnessHint(err), err)
	}

	proof, err := prover.Groth16Prover(p.zkey, wtns)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}

	if p.verifyLocally {
		if err := verifier.VerifyGroth16(*proof, p.vkey); err != nil {
			return nil, fmt.Errorf("locally produced proof does not verify: %w", err)
		}
		p.log.Debug().Msg("proof verified locally")
	}
	return proof, nil
}

// witnessHint maps the circuit's assertion text onto the three failure
// modes worth naming. The calculator surfaces the circom template and line
// when it has them; the raw error is preserved by the caller's wrap.
func witnessHint(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "publicamount") || strings.Contains(msg, "sum"):
		return "balance equation violated (Σ inAmount + publicAmount ≠ Σ outAmount)"
	case strings.Contains(msg, "root") || strings.Contains(msg, "merkle"):
		return "inclusion proof does not reach the claimed root"
	case strings.Contains(msg, "nullifier"):
		return "nullifier does not match its note and key"
	default:
		return "circuit assertion failed"
	}
}
