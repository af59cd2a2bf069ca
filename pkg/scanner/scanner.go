// Package scanner discovers the notes a holder can spend.
//
// The encrypted-output stream is public and identical for every viewer;
// only decryption depends on the holder's key. The scanner fetches the
// stream in ranges, trial-decrypts in parallel, corrects each surviving
// note's tree index from its Merkle inclusion proof, filters out notes
// whose nullifier markers already exist on chain, and caches the raw
// ciphertexts for the process lifetime so subsequent scans only fetch the
// tail of the stream.
//
// Concurrent scans for the same holder and asset share a single in-flight
// pass; the result is broadcast to all waiters.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/veil-labs/veilpool/pkg/hasher"
	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/relayer"
	"github.com/veil-labs/veilpool/pkg/spentset"
)

const (
	// fetchWindow is the width of one /utxos/range request.
	fetchWindow = 1000
	// decryptBatch is the trial-decryption parallelism.
	decryptBatch = 500
)

// Scanner scans the encrypted-output stream for spendable notes.
type Scanner struct {
	client *relayer.Client
	tree   *relayer.TreeClient
	log    zerolog.Logger

	mu               sync.Mutex
	ciphertexts      [][]byte
	lastFetchedIndex uint32

	flight singleflight.Group
}

// New creates a scanner over the given relayer.
func New(client *relayer.Client, tree *relayer.TreeClient, log zerolog.Logger) *Scanner {
	return &Scanner{client: client, tree: tree, log: log}
}

// Clear drops the ciphertext cache. The next scan refetches the full
// stream.
func (s *Scanner) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ciphertexts = nil
	s.lastFetchedIndex = 0
}

// Scan returns every note spendable by the holder of encryptionKey on
// assetTag: decryptable, positive amount, inclusion proof available, and
// neither nullifier marker present on chain. Returned notes carry the
// authoritative tree index from their inclusion proofs.
//
// Simultaneous callers with the same key and asset share one scan.
// forceRefresh drops the cache first and always performs its own pass.
func (s *Scanner) Scan(ctx context.Context, encryptionKey []byte, assetTag *big.Int, forceRefresh bool) ([]*note.Note, error) {
	if forceRefresh {
		s.Clear()
	}

	keyDigest := hasher.Sha256(encryptionKey)
	flightKey := fmt.Sprintf("%x|%s", keyDigest[:8], assetTag.String())
	if forceRefresh {
		// A refresh must not be served a stale shared result.
		s.flight.Forget(flightKey)
	}

	result, err, _ := s.flight.Do(flightKey, func() (interface{}, error) {
		return s.scan(ctx, encryptionKey, assetTag)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*note.Note), nil
}

func (s *Scanner) scan(ctx context.Context, encryptionKey []byte, assetTag *big.Int) ([]*note.Note, error) {
	state, err := s.tree.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("tree state: %w", err)
	}

	if err := s.fetchTail(ctx, state.NextIndex); err != nil {
		return nil, err
	}

	kp, err := note.DeriveKeypair(encryptionKey)
	if err != nil {
		return nil, err
	}

	candidates, err := s.trialDecrypt(ctx, encryptionKey, assetTag)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int("candidates", len(candidates)).Uint32("nextIndex", state.NextIndex).
		Msg("scan decrypted candidates")

	candidates, err = s.correctIndices(ctx, candidates, kp, state.Root)
	if err != nil {
		return nil, err
	}

	return s.filterSpent(ctx, candidates, kp)
}

// fetchTail extends the ciphertext cache to cover [lastFetchedIndex,
// nextIndex), fetching windows of 1000 in parallel.
func (s *Scanner) fetchTail(ctx context.Context, nextIndex uint32) error {
	s.mu.Lock()
	start := s.lastFetchedIndex
	s.mu.Unlock()

	if nextIndex <= start {
		return nil
	}

	numWindows := int((nextIndex - start + fetchWindow - 1) / fetchWindow)
	windows := make([][][]byte, numWindows)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numWindows; w++ {
		w := w
		lo := start + uint32(w)*fetchWindow
		hi := lo + fetchWindow
		if hi > nextIndex {
			hi = nextIndex
		}
		g.Go(func() error {
			result, err := s.client.FetchRange(gctx, lo, hi)
			if err != nil {
				return fmt.Errorf("range [%d, %d): %w", lo, hi, err)
			}
			data := make([][]byte, 0, len(result.Outputs))
			for _, out := range result.Outputs {
				data = append(data, out.Data)
			}
			windows[w] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent refresh may have raced the fetch; only extend from the
	// position this pass started at.
	if s.lastFetchedIndex != start {
		return nil
	}
	for _, w := range windows {
		s.ciphertexts = append(s.ciphertexts, w...)
	}
	s.lastFetchedIndex = nextIndex
	return nil
}

// trialDecrypt runs the cached ciphertexts through Decrypt in parallel
// batches, keeping positive-amount notes of the requested asset and
// dropping duplicates by ciphertext identity.
func (s *Scanner) trialDecrypt(ctx context.Context, encryptionKey []byte, assetTag *big.Int) ([]*note.Note, error) {
	s.mu.Lock()
	snapshot := make([][]byte, len(s.ciphertexts))
	copy(snapshot, s.ciphertexts)
	s.mu.Unlock()

	decrypted := make([]*note.Note, len(snapshot))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(decryptBatch)
	for i, ct := range snapshot {
		i, ct := i, ct
		g.Go(func() error {
			n, err := note.Decrypt(encryptionKey, ct)
			if err != nil {
				if errors.Is(err, note.ErrNotForMe) {
					return nil
				}
				return err
			}
			decrypted[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(snapshot))
	var out []*note.Note
	for i, n := range decrypted {
		if n == nil || n.Amount == 0 {
			continue
		}
		if n.AssetTag.Cmp(assetTag) != 0 {
			continue
		}
		id := string(snapshot[i])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, n)
	}
	return out, nil
}

// correctIndices fetches each candidate's inclusion proof and overwrites
// the note's index with the authoritative value. Without this the
// nullifier is wrong. Candidates the relayer does not know (4xx) drop
// silently; transport failures abort the scan.
func (s *Scanner) correctIndices(ctx context.Context, candidates []*note.Note, kp *note.Keypair, root *big.Int) ([]*note.Note, error) {
	var out []*note.Note
	for _, n := range candidates {
		n.PubKey = kp.PublicKey()
		commitment, err := n.Commitment()
		if err != nil {
			return nil, err
		}

		proof, err := s.tree.Proof(ctx, commitment, root)
		if err != nil {
			var httpErr *relayer.HTTPError
			if errors.As(err, &httpErr) && httpErr.Status < 500 {
				s.log.Debug().Str("commitment", commitment.String()).
					Msg("dropping note without inclusion proof")
				continue
			}
			return nil, fmt.Errorf("inclusion proof: %w", err)
		}

		n.Index = uint64(proof.Index)
		out = append(out, n)
	}
	return out, nil
}

// filterSpent removes every candidate whose nullifier has a marker account
// on chain.
func (s *Scanner) filterSpent(ctx context.Context, candidates []*note.Note, kp *note.Keypair) ([]*note.Note, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	nullifiers := make([]*big.Int, len(candidates))
	for i, n := range candidates {
		nf, err := n.Nullifier(kp)
		if err != nil {
			return nil, err
		}
		nullifiers[i] = nf
	}

	spent, err := s.client.CheckNullifiers(ctx, nullifiers)
	if err != nil {
		return nil, fmt.Errorf("spent-set check: %w", err)
	}

	var out []*note.Note
	for i, n := range candidates {
		h, err := spentset.NullifierHex(nullifiers[i])
		if err != nil {
			return nil, err
		}
		if spent[h] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
