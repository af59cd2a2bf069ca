package scanner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veilpool/pkg/note"
	"github.com/veil-labs/veilpool/pkg/relayer"
	"github.com/veil-labs/veilpool/pkg/spentset"
)

// fakeRelayer serves the minimal relayer surface the scanner touches.
type fakeRelayer struct {
	t *testing.T

	root              string
	outputs           []string // base64 envelopes by leaf index
	indexByCommitment map[string]uint32
	spent             map[string]bool // nullifier hex -> marker exists

	rangeCalls atomic.Int32
}

func (f *fakeRelayer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/merkle/root", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"root":"%s","nextIndex":%d}`, f.root, len(f.outputs))
	})
	mux.HandleFunc("/utxos/range", func(w http.ResponseWriter, r *http.Request) {
		f.rangeCalls.Add(1)
		var start, end int
		fmt.Sscanf(r.URL.Query().Get("start"), "%d", &start)
		fmt.Sscanf(r.URL.Query().Get("end"), "%d", &end)
		if end > len(f.outputs) {
			end = len(f.outputs)
		}
		resp := map[string]interface{}{
			"encrypted_outputs": f.outputs[start:end],
			"total":             len(f.outputs),
			"hasMore":           false,
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/merkle/proof/", func(w http.ResponseWriter, r *http.Request) {
		commitment := strings.TrimPrefix(r.URL.Path, "/merkle/proof/")
		index, ok := f.indexByCommitment[commitment]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "commitment not found")
			return
		}
		elements := make([]string, relayer.TreeDepth)
		indices := make([]int, relayer.TreeDepth)
		for i := range elements {
			elements[i] = "0"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pathElements": elements,
			"pathIndices":  indices,
			"index":        index,
			"root":         f.root,
			"nextIndex":    len(f.outputs),
		})
	})
	mux.HandleFunc("/nullifiers/check", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Nullifiers []string `json:"nullifiers"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		result := make(map[string]bool, len(req.Nullifiers))
		for _, h := range req.Nullifiers {
			result[h] = f.spent[h]
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"nullifiers": result})
	})
	return mux
}

func testKey(fill byte) []byte {
	key := make([]byte, note.EncryptionKeyLen)
	for i := range key {
		key[i] = fill
	}
	return key
}

// addNote encrypts a note under key, appends it to the stream, and
// registers its authoritative index.
func (f *fakeRelayer) addNote(t *testing.T, key []byte, amount uint64, assetTag *big.Int) *note.Note {
	kp, err := note.DeriveKeypair(key)
	require.NoError(t, err)

	index := uint64(len(f.outputs))
	n := &note.Note{
		Amount:   amount,
		Blinding: big.NewInt(int64(100_000_000 + len(f.outputs))),
		PubKey:   kp.PublicKey(),
		AssetTag: new(big.Int).Set(assetTag),
		Index:    index,
	}
	envelope, err := note.Encrypt(key, n)
	require.NoError(t, err)
	f.outputs = append(f.outputs, base64.StdEncoding.EncodeToString(envelope))

	commitment, err := n.Commitment()
	require.NoError(t, err)
	f.indexByCommitment[commitment.String()] = uint32(index)
	return n
}

func (f *fakeRelayer) markSpent(t *testing.T, key []byte, n *note.Note) {
	kp, err := note.DeriveKeypair(key)
	require.NoError(t, err)
	nf, err := n.Nullifier(kp)
	require.NoError(t, err)
	h, err := spentset.NullifierHex(nf)
	require.NoError(t, err)
	f.spent[h] = true
}

func newScanner(t *testing.T, f *fakeRelayer) *Scanner {
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	client := relayer.NewClient(server.URL)
	tree, err := relayer.NewTreeClient(client)
	require.NoError(t, err)
	return New(client, tree, zerolog.Nop())
}

func TestScanFindsOwnNotes(t *testing.T) {
	asset := big.NewInt(1)
	mine := testKey(0x11)
	theirs := testKey(0x22)

	f := &fakeRelayer{t: t, root: "424242", indexByCommitment: map[string]uint32{}, spent: map[string]bool{}}
	n1 := f.addNote(t, mine, 10_000_000, asset)
	f.addNote(t, theirs, 5_000_000, asset)
	n3 := f.addNote(t, mine, 20_000_000, asset)
	f.addNote(t, mine, 0, asset) // zero-amount notes are discarded

	s := newScanner(t, f)
	notes, err := s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	require.Len(t, notes, 2)

	amounts := []uint64{notes[0].Amount, notes[1].Amount}
	assert.ElementsMatch(t, []uint64{n1.Amount, n3.Amount}, amounts)

	for _, n := range notes {
		c, err := n.Commitment()
		require.NoError(t, err)
		assert.EqualValues(t, f.indexByCommitment[c.String()], n.Index,
			"scan must report the proof service's index")
	}
}

func TestScanFiltersSpent(t *testing.T) {
	asset := big.NewInt(1)
	mine := testKey(0x33)

	f := &fakeRelayer{t: t, root: "17", indexByCommitment: map[string]uint32{}, spent: map[string]bool{}}
	spentNote := f.addNote(t, mine, 7_000_000, asset)
	f.addNote(t, mine, 3_000_000, asset)
	f.markSpent(t, mine, spentNote)

	s := newScanner(t, f)
	notes, err := s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.EqualValues(t, 3_000_000, notes[0].Amount)
}

func TestScanFiltersAsset(t *testing.T) {
	mine := testKey(0x44)

	f := &fakeRelayer{t: t, root: "9", indexByCommitment: map[string]uint32{}, spent: map[string]bool{}}
	f.addNote(t, mine, 1_000, big.NewInt(1))
	f.addNote(t, mine, 2_000, big.NewInt(555))

	s := newScanner(t, f)
	notes, err := s.Scan(context.Background(), mine, big.NewInt(555), false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.EqualValues(t, 2_000, notes[0].Amount)
}

func TestScanCachesCiphertexts(t *testing.T) {
	asset := big.NewInt(1)
	mine := testKey(0x55)

	f := &fakeRelayer{t: t, root: "31", indexByCommitment: map[string]uint32{}, spent: map[string]bool{}}
	f.addNote(t, mine, 1_000_000, asset)

	s := newScanner(t, f)
	_, err := s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	first := f.rangeCalls.Load()
	require.Positive(t, first)

	// Nothing new on chain: the cached range is not refetched.
	_, err = s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	assert.Equal(t, first, f.rangeCalls.Load())

	// A new note triggers an incremental fetch of just the tail.
	f.addNote(t, mine, 2_000_000, asset)
	notes, err := s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
	assert.Equal(t, first+1, f.rangeCalls.Load())

	// forceRefresh drops the cache and refetches everything.
	_, err = s.Scan(context.Background(), mine, asset, true)
	require.NoError(t, err)
	assert.Equal(t, first+2, f.rangeCalls.Load())
}

func TestScanDropsNotesWithoutProof(t *testing.T) {
	asset := big.NewInt(1)
	mine := testKey(0x66)

	f := &fakeRelayer{t: t, root: "3", indexByCommitment: map[string]uint32{}, spent: map[string]bool{}}
	n := f.addNote(t, mine, 4_000_000, asset)

	// Forget the proof: the relayer has not indexed this commitment yet.
	c, err := n.Commitment()
	require.NoError(t, err)
	delete(f.indexByCommitment, c.String())

	s := newScanner(t, f)
	notes, err := s.Scan(context.Background(), mine, asset, false)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
