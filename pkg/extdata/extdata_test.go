package extdata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/hasher"
)

func sampleExtData() *ExtData {
	e := &ExtData{
		ExtAmount:   -5_000_000,
		Ciphertext1: []byte("first-output-ciphertext"),
		Ciphertext2: []byte("second-output-ciphertext"),
		Fee:         15_000,
		AssetTag:    field.NativeAssetTag(),
	}
	for i := range e.Recipient {
		e.Recipient[i] = byte(i)
	}
	for i := range e.FeeRecipient {
		e.FeeRecipient[i] = byte(0xF0 ^ i)
	}
	return e
}

func TestHashMatchesManualLayout(t *testing.T) {
	e := sampleExtData()

	var manual []byte
	manual = append(manual, e.Recipient[:]...)

	amt := make([]byte, 8)
	binary.LittleEndian.PutUint64(amt, uint64(e.ExtAmount))
	manual = append(manual, amt...)

	l1 := make([]byte, 4)
	binary.LittleEndian.PutUint32(l1, uint32(len(e.Ciphertext1)))
	manual = append(manual, l1...)
	manual = append(manual, e.Ciphertext1...)

	l2 := make([]byte, 4)
	binary.LittleEndian.PutUint32(l2, uint32(len(e.Ciphertext2)))
	manual = append(manual, l2...)
	manual = append(manual, e.Ciphertext2...)

	fee := make([]byte, 8)
	binary.LittleEndian.PutUint64(fee, e.Fee)
	manual = append(manual, fee...)

	manual = append(manual, e.FeeRecipient[:]...)
	manual = append(manual, e.AssetTag[:]...)

	want := hasher.Sha256(manual)

	got, err := e.Hash(AssetTagRaw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashDeterministicAndBitSensitive(t *testing.T) {
	a := sampleExtData()
	b := sampleExtData()

	ha, err := a.Hash(AssetTagRaw)
	require.NoError(t, err)
	hb, err := b.Hash(AssetTagRaw)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "bitwise-equal tuples must hash identically")

	mutations := []func(*ExtData){
		func(e *ExtData) { e.Recipient[0] ^= 1 },
		func(e *ExtData) { e.ExtAmount++ },
		func(e *ExtData) { e.Ciphertext1 = append([]byte{}, append(e.Ciphertext1, 0x00)...) },
		func(e *ExtData) { e.Ciphertext2[0] ^= 1 },
		func(e *ExtData) { e.Fee++ },
		func(e *ExtData) { e.FeeRecipient[31] ^= 1 },
		func(e *ExtData) { e.AssetTag[31] ^= 1 },
	}
	for i, mutate := range mutations {
		m := sampleExtData()
		m.Ciphertext1 = append([]byte{}, m.Ciphertext1...)
		m.Ciphertext2 = append([]byte{}, m.Ciphertext2...)
		mutate(m)
		hm, err := m.Hash(AssetTagRaw)
		require.NoError(t, err)
		assert.NotEqual(t, ha, hm, "mutation %d must change the digest", i)
	}
}

func TestHashModesDiffer(t *testing.T) {
	// The native tag's raw bytes and its LE field-element bytes differ, so
	// the two modes must disagree.
	e := sampleExtData()
	raw, err := e.Hash(AssetTagRaw)
	require.NoError(t, err)
	numeric, err := e.Hash(AssetTagNumeric)
	require.NoError(t, err)
	assert.NotEqual(t, raw, numeric)

	_, err = e.Hash(AssetTagMode("bogus"))
	assert.Error(t, err)
}

func TestHashAsFieldElement(t *testing.T) {
	e := sampleExtData()
	v, err := e.HashAsFieldElement(AssetTagRaw)
	require.NoError(t, err)
	assert.True(t, v.Sign() >= 0)
	assert.True(t, v.Cmp(field.FieldSize) < 0)
}
