// Package engine orchestrates the shielded-transfer pipeline: scanning for
// spendable notes, planning inputs and change, proving, submitting through
// the relayer, and confirming the output notes land in the tree.
//
// One Engine owns the process-wide singletons - the scanner cache and the
// local lock service - by reference; the host decides their lifetime. All
// methods are safe for concurrent use; a transaction whose inputs are held
// by another in the lock service makes 3 lock attempts at 1-second
// spacing and then fails with INVALID_STATE.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/rs/zerolog"

	"github.com/veil-labs/veilpool/pkg/extdata"
	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/hasher"
	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/prove"
	"github.com/veil-labs/veilpool/pkg/relayer"
	"github.com/veil-labs/veilpool/pkg/scanner"
)

const defaultMaxRetries = 3

// SignFunc signs a serialized transaction payload with the host wallet and
// returns the signed transaction bytes. Deposits require it; withdrawals
// are signed by the relayer.
type SignFunc func(payload []byte) ([]byte, error)

// Config configures an Engine.
type Config struct {
	RelayerURL          string               `json:"relayer_url"`
	ProgramID           string               `json:"program_id"`            // base58
	TreeAccount         string               `json:"tree_account"`          // base58
	GlobalConfigAccount string               `json:"global_config_account"` // base58
	LookupTableAddress  string               `json:"lookup_table_address"`  // base58
	CircuitPath         string               `json:"circuit_path"`
	AssetTagMode        extdata.AssetTagMode `json:"asset_tag_mode"`
	MaxRetries          int                  `json:"max_retries"`
	Verbose             bool                 `json:"verbose"`
	VerifyLocally       bool                 `json:"verify_locally"`

	// Logger defaults to a no-op logger; Verbose lowers the level.
	Logger zerolog.Logger `json:"-"`
	// Prover overrides the circom prover built from CircuitPath (tests).
	Prover prove.Prover `json:"-"`
	// HTTPOptions are appended to the relayer client's options.
	HTTPOptions []relayer.Option `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AssetTagMode: extdata.AssetTagRaw,
		MaxRetries:   defaultMaxRetries,
		Logger:       zerolog.Nop(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RelayerURL == "" {
		return newError(KindConfiguration, ErrNotInitialized, "relayer_url is required", nil)
	}
	if _, err := decodeAddress(c.ProgramID); err != nil {
		return newError(KindConfiguration, ErrInvalidAddress, "program_id is not a valid address", err)
	}
	if c.AssetTagMode != extdata.AssetTagRaw && c.AssetTagMode != extdata.AssetTagNumeric {
		return newError(KindConfiguration, ErrInvalidAssetTag,
			fmt.Sprintf("asset_tag_mode must be %q or %q", extdata.AssetTagRaw, extdata.AssetTagNumeric), nil)
	}
	if c.MaxRetries < 0 {
		return newError(KindConfiguration, ErrNotInitialized, "max_retries must be non-negative", nil)
	}
	if c.Prover == nil && c.CircuitPath == "" {
		return newError(KindConfiguration, ErrCircuitMissing, "circuit_path is required", nil)
	}
	return nil
}

// Engine is the client-side transaction engine.
type Engine struct {
	cfg       Config
	programID [32]byte

	client  *relayer.Client
	tree    *relayer.TreeClient
	scanner *scanner.Scanner
	locks   *LockService
	prover  prove.Prover
	log     zerolog.Logger

	// feeRecipient caches the relayer identity after the first fetch.
	feeRecipient atomicAddress
}

// New builds an engine from the configuration, loading circuit artifacts
// unless a prover was injected.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	log := cfg.Logger
	if cfg.Verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	programID, err := decodeAddress(cfg.ProgramID)
	if err != nil {
		return nil, newError(KindConfiguration, ErrInvalidAddress, "program_id", err)
	}

	httpOpts := append([]relayer.Option{
		relayer.WithMaxRetries(cfg.MaxRetries),
		relayer.WithLogger(log),
	}, cfg.HTTPOptions...)
	client := relayer.NewClient(cfg.RelayerURL, httpOpts...)

	tree, err := relayer.NewTreeClient(client)
	if err != nil {
		return nil, fmt.Errorf("tree client: %w", err)
	}

	prover := cfg.Prover
	if prover == nil {
		var opts []prove.CircomOption
		opts = append(opts, prove.WithLogger(log))
		if cfg.VerifyLocally {
			opts = append(opts, prove.WithLocalVerification())
		}
		prover, err = prove.NewCircomProver(cfg.CircuitPath, opts...)
		if err != nil {
			return nil, newError(KindConfiguration, ErrCircuitMissing, "circuit artifacts", err)
		}
	}

	return &Engine{
		cfg:       cfg,
		programID: programID,
		client:    client,
		tree:      tree,
		scanner:   scanner.New(client, tree, log),
		locks:     NewLockService(),
		prover:    prover,
		log:       log,
	}, nil
}

// Close releases the engine's background resources.
func (e *Engine) Close() {
	e.locks.Close()
}

// DeriveEncryptionKey derives the 31-byte note-encryption key from a
// wallet signature over the key-derivation message. The same signature
// always yields the same key, so the holder can rediscover all notes from
// the wallet alone.
func DeriveEncryptionKey(walletSignature []byte) []byte {
	digest := hasher.Sha256(walletSignature)
	return digest[:note.EncryptionKeyLen]
}

// Scan returns the holder's spendable notes for an asset.
func (e *Engine) Scan(ctx context.Context, encryptionKey []byte, assetTag *big.Int, forceRefresh bool) ([]*note.Note, error) {
	if len(encryptionKey) != note.EncryptionKeyLen {
		return nil, newError(KindEncryption, ErrKeyNotSet, "encryption key not set or wrong length", nil)
	}
	return e.scanner.Scan(ctx, encryptionKey, assetTag, forceRefresh)
}

// Balance sums the holder's spendable notes for an asset.
func (e *Engine) Balance(ctx context.Context, encryptionKey []byte, assetTag *big.Int) (uint64, error) {
	notes, err := e.Scan(ctx, encryptionKey, assetTag, false)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, n := range notes {
		total += n.Amount
	}
	return total, nil
}

// ClearScanCache drops the scanner's ciphertext cache.
func (e *Engine) ClearScanCache() {
	e.scanner.Clear()
}

// feeRecipientAddress returns the relayer's fee recipient, fetching it
// once.
func (e *Engine) feeRecipientAddress(ctx context.Context) ([32]byte, string, error) {
	if addr, b58, ok := e.feeRecipient.get(); ok {
		return addr, b58, nil
	}
	info, err := e.client.Info(ctx)
	if err != nil {
		return [32]byte{}, "", Classify(err)
	}
	addr, err := decodeAddress(info.Relayer.PublicKey)
	if err != nil {
		return [32]byte{}, "", newError(KindNetwork, ErrMalformedResponse, "relayer public key", err)
	}
	e.feeRecipient.set(addr, info.Relayer.PublicKey)
	return addr, info.Relayer.PublicKey, nil
}

// decodeAddress decodes a base58 address into its 32 raw bytes.
func decodeAddress(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, fmt.Errorf("empty address")
	}
	decoded := base58.Decode(s)
	if len(decoded) != 32 {
		return out, fmt.Errorf("address %q decodes to %d bytes, want 32", s, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// encodeAddress renders 32 raw bytes as base58.
func encodeAddress(b [32]byte) string {
	return base58.Encode(b[:])
}

// assetForRequest resolves the numeric tag and raw 32-byte tag of the
// requested asset. mint is all-zero for the native asset.
func assetForRequest(spl bool, mint [32]byte) (numeric *big.Int, raw [32]byte) {
	if !spl {
		return field.NativeAssetTagNumeric(), field.NativeAssetTag()
	}
	return field.AssetTagFromMint(mint), mint
}

// atomicAddress caches a (bytes, base58) address pair.
type atomicAddress struct {
	mu     sync.Mutex
	addr   [32]byte
	b58    string
	cached bool
}

func (a *atomicAddress) get() ([32]byte, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr, a.b58, a.cached
}

func (a *atomicAddress) set(addr [32]byte, b58 string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addr, a.b58, a.cached = addr, b58, true
}

// waitOrCancel sleeps for d unless the context ends first.
func waitOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
