package relayer

import (
	"context"
	"fmt"
	"math/big"

	lru "github.com/hashicorp/golang-lru"
)

// TreeDepth is the height of the note commitment tree. Inclusion proofs
// carry exactly this many path elements.
const TreeDepth = 26

// proofCacheSize bounds the commitment → proof cache. Each entry holds the
// latest proof fetched for a commitment and is served only while its root
// equals the caller's current root; a fetch under a new root replaces it.
const proofCacheSize = 4096

// TreeClient queries the commitment tree: current state and inclusion
// proofs.
type TreeClient struct {
	client *Client
	proofs *lru.Cache
}

// NewTreeClient wraps a relayer client with a proof cache.
func NewTreeClient(client *Client) (*TreeClient, error) {
	cache, err := lru.New(proofCacheSize)
	if err != nil {
		return nil, err
	}
	return &TreeClient{client: client, proofs: cache}, nil
}

// State fetches the current Merkle root and next leaf index.
func (t *TreeClient) State(ctx context.Context) (*TreeState, error) {
	var raw treeStateJSON
	if err := t.client.getJSON(ctx, "/merkle/root", &raw); err != nil {
		return nil, err
	}
	root, err := parseFieldString(raw.Root)
	if err != nil {
		return nil, fmt.Errorf("tree root: %w", err)
	}
	return &TreeState{Root: root, NextIndex: raw.NextIndex}, nil
}

// Proof fetches the inclusion proof for a commitment.
//
// currentRoot enables the cache: when the cached proof for the commitment
// was taken at the same root, the network round trip is skipped. Pass nil
// to force a fetch.
func (t *TreeClient) Proof(ctx context.Context, commitment, currentRoot *big.Int) (*MerkleProof, error) {
	key := commitment.String()
	if currentRoot != nil {
		if cached, ok := t.proofs.Get(key); ok {
			proof := cached.(*MerkleProof)
			if proof.Root.Cmp(currentRoot) == 0 {
				return proof, nil
			}
		}
	}

	var raw merkleProofJSON
	path := "/merkle/proof/" + key
	if err := t.client.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	proof, err := parseProof(&raw)
	if err != nil {
		return nil, fmt.Errorf("proof for commitment %s: %w", key, err)
	}
	t.proofs.Add(key, proof)
	return proof, nil
}

func parseProof(raw *merkleProofJSON) (*MerkleProof, error) {
	if len(raw.PathElements) != TreeDepth {
		return nil, fmt.Errorf("expected %d path elements, got %d", TreeDepth, len(raw.PathElements))
	}
	if len(raw.PathIndices) != TreeDepth {
		return nil, fmt.Errorf("expected %d path indices, got %d", TreeDepth, len(raw.PathIndices))
	}

	elements := make([]*big.Int, TreeDepth)
	for i, s := range raw.PathElements {
		v, err := parseFieldString(s)
		if err != nil {
			return nil, fmt.Errorf("path element %d: %w", i, err)
		}
		elements[i] = v
	}
	for i, bit := range raw.PathIndices {
		if bit != 0 && bit != 1 {
			return nil, fmt.Errorf("path index %d is %d, want 0 or 1", i, bit)
		}
	}

	root, err := parseFieldString(raw.Root)
	if err != nil {
		return nil, fmt.Errorf("proof root: %w", err)
	}

	return &MerkleProof{
		PathElements: elements,
		PathIndices:  append([]int(nil), raw.PathIndices...),
		Index:        raw.Index,
		Root:         root,
		NextIndex:    raw.NextIndex,
	}, nil
}
