package partition

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePartition(t *testing.T) *Partition {
	t.Helper()

	p, err := ParseCSV(strings.NewReader(sampleCSV), ".")
	require.NoError(t, err)
	return p
}

func TestGenerateLayout(t *testing.T) {
	image, err := Generate(samplePartition(t), 4)
	require.NoError(t, err)
	require.Len(t, image, 4*SectorSize)

	// First page is Active with sequence 0 and a valid header CRC.
	assert.Equal(t, pageStateActive, binary.LittleEndian.Uint32(image[0:4]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(image[4:8]))
	assert.Equal(t, byte(pageVersion), image[8])

	// The reserve sector stays erased.
	for _, b := range image[3*SectorSize:] {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestGenerateParseRoundTrip(t *testing.T) {
	p := samplePartition(t)

	image, err := Generate(p, 4)
	require.NoError(t, err)

	parsed, err := Parse(image)
	require.NoError(t, err)

	require.Len(t, parsed.Entries, len(p.Entries))
	for i := range p.Entries {
		assert.Equal(t, p.Entries[i].Namespace, parsed.Entries[i].Namespace, "entry %d", i)
		assert.Equal(t, p.Entries[i].Key, parsed.Entries[i].Key, "entry %d", i)
		assert.Equal(t, p.Entries[i].Value, parsed.Entries[i].Value, "entry %d", i)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	p := samplePartition(t)

	first, err := Generate(p, 4)
	require.NoError(t, err)

	// Dumping and regenerating must reproduce the image bytes.
	parsed, err := Parse(first)
	require.NoError(t, err)
	second, err := Generate(parsed, 4)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second), "regenerated image differs")
}

func TestGenerateMultiChunkBlob(t *testing.T) {
	blob := bytes.Repeat([]byte{0xC3}, 9000)
	p := &Partition{Entries: []Entry{
		{Namespace: "ns", Key: "big", Value: Value{Kind: KindBinary, Bytes: blob}},
	}}

	image, err := Generate(p, 6)
	require.NoError(t, err)

	parsed, err := Parse(image)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	assert.Equal(t, blob, parsed.Entries[0].Value.Bytes)
}

func TestGeneratePartitionTooSmall(t *testing.T) {
	entries := make([]Entry, 0, 300)
	for i := 0; i < 300; i++ {
		entries = append(entries, Entry{
			Namespace: "ns",
			Key:       keyName(i),
			Value:     Value{Kind: KindU8, Uint: uint64(i % 256)},
		})
	}

	_, err := Generate(&Partition{Entries: entries}, 3)
	assert.ErrorIs(t, err, ErrPartitionFull)
}

func TestGenerateTooManyNamespaces(t *testing.T) {
	entries := make([]Entry, 0, 256)
	for i := 0; i < 256; i++ {
		entries = append(entries, Entry{
			Namespace: keyName(i),
			Key:       "k",
			Value:     Value{Kind: KindU8, Uint: 1},
		})
	}

	_, err := Generate(&Partition{Entries: entries}, 16)
	assert.ErrorIs(t, err, ErrTooManyNS)
}

func keyName(i int) string {
	return "key" + string(rune('a'+i/26/26%26)) + string(rune('a'+i/26%26)) + string(rune('a'+i%26))
}
