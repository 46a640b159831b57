// Package nvs implements a log-structured key-value store for NOR flash,
// binary-compatible with Espressif's NVS partition format.
//
// Partition layout:
//
//	 1 │+--------------------------------------------------------------+
//	 2 │|                    PAGE (one 4096 B sector)                  |
//	 3 │+--------------------------------------------------------------+
//	 4 │|  HEADER (32 B)                                               |
//	 5 │|  | state (4) | sequence (4) | version (1) | reserved (19) |  |
//	 6 │|  | crc32 (4)  over bytes 4..28                            |  |
//	 7 │+--------------------------------------------------------------+
//	 8 │|  ENTRY STATE BITMAP (32 B)                                   |
//	 9 │|  | 126 two-bit slot states, little-endian within a byte   |  |
//	10 │+--------------------------------------------------------------+
//	11 │|  ENTRIES (126 x 32 B)                                        |
//	12 │|  | ns (1) | type (1) | span (1) | chunk (1) | crc32 (4)   |  |
//	13 │|  | key (16) | data (8)                                    |  |
//	14 │+--------------------------------------------------------------+
//
// Pages advance through their lifecycle by clearing state bits, so every
// transition is a plain NOR write. Items are created by writing entry bytes
// first and flipping bitmap bits second; overwrites write the new entry
// before erasing the old one. Recovery at open time leans on that ordering
// to repair any interrupted operation.
package nvs

import (
	"encoding/binary"

	"github.com/espkv/nvs/flash"
)

const (
	// SectorSize is the NOR erase unit and the engine's allocation unit.
	SectorSize = 4096

	pageHeaderSize       = 32
	entryStateBitmapSize = 32
	entrySize            = 32

	// EntriesPerPage is the number of 32-byte entry slots per page.
	EntriesPerPage = (SectorSize - pageHeaderSize - entryStateBitmapSize) / entrySize

	bitmapOffset  = pageHeaderSize
	entriesOffset = pageHeaderSize + entryStateBitmapSize

	// MaxKeyLength is the longest key or namespace name, excluding the
	// mandatory null terminator.
	MaxKeyLength = 15
	// KeySize is the on-disk width of a key field.
	KeySize = MaxKeyLength + 1

	// MaxBlobDataPerPage caps one Sized payload or BlobData chunk: a header
	// slot plus up to 125 data slots.
	MaxBlobDataPerPage = (EntriesPerPage - 1) * entrySize

	// MaxBlobSize caps a blob at 127 chunks of one version-offset half.
	MaxBlobSize = MaxBlobDataPerPage * (0xFF - versionOffsetV1)

	// MaxNamespaces bounds the 1..255 namespace index space.
	MaxNamespaces = 255

	pageVersion = 0xFE

	maxSectors = 0xFFFF
)

// Key is a 16-byte, NUL-padded key or namespace name. The last byte must be
// the null terminator; store operations reject a Key without one.
type Key [KeySize]byte

// NewKey builds a Key from a Go string of at most 15 bytes.
func NewKey(s string) (Key, error) {
	var k Key
	if len(s) > MaxKeyLength {
		return k, ErrKeyTooLong
	}
	copy(k[:], s)
	return k, nil
}

// NewNamespace builds a namespace name Key from a Go string of at most
// 15 bytes.
func NewNamespace(s string) (Key, error) {
	var k Key
	if len(s) > MaxKeyLength {
		return k, ErrNamespaceTooLong
	}
	copy(k[:], s)
	return k, nil
}

// String returns the key up to its first null byte.
func (k Key) String() string {
	for i, b := range k {
		if b == 0 {
			return string(k[:i])
		}
	}
	return string(k[:])
}

func (k Key) terminated() bool {
	return k[MaxKeyLength] == 0
}

// entryState is the two-bit per-slot state in the page bitmap. States only
// ever lose bits, matching NOR write semantics.
type entryState byte

const (
	entryStateEmpty   entryState = 0b11
	entryStateWritten entryState = 0b10
	entryStateIllegal entryState = 0b01
	entryStateErased  entryState = 0b00
)

// Page state bits, cleared in succession as the page advances.
const (
	psbInit    uint32 = 0x1
	psbFull    uint32 = 0x2
	psbFreeing uint32 = 0x4
	psbCorrupt uint32 = 0x8
)

type pageState uint32

const (
	// pageStateUninitialized is the state after a sector erase.
	pageStateUninitialized pageState = 0xFFFFFFFF
	// pageStateActive accepts new writes.
	pageStateActive = pageStateUninitialized & ^pageState(psbInit)
	// pageStateFull no longer accepts writes.
	pageStateFull = pageStateActive & ^pageState(psbFull)
	// pageStateFreeing marks a compaction victim while its live items move.
	pageStateFreeing = pageStateFull & ^pageState(psbFreeing)
	// pageStateCorrupt is kept around until the free pool needs the sector.
	pageStateCorrupt = pageStateFreeing & ^pageState(psbCorrupt)
	// pageStateInvalid is the all-zero state word.
	pageStateInvalid pageState = 0
)

func pageStateFromRaw(raw uint32) pageState {
	switch pageState(raw) {
	case pageStateUninitialized, pageStateActive, pageStateFull, pageStateFreeing, pageStateInvalid:
		return pageState(raw)
	default:
		return pageStateCorrupt
	}
}

// ItemType is the on-disk value type code of an entry.
type ItemType byte

const (
	TypeU8        ItemType = 0x01
	TypeI8        ItemType = 0x11
	TypeU16       ItemType = 0x02
	TypeI16       ItemType = 0x12
	TypeU32       ItemType = 0x04
	TypeI32       ItemType = 0x14
	TypeU64       ItemType = 0x08
	TypeI64       ItemType = 0x18
	TypeSized     ItemType = 0x21
	TypeBlob      ItemType = 0x41 // legacy single-span blob, read-only
	TypeBlobData  ItemType = 0x42
	TypeBlobIndex ItemType = 0x48
	TypeAny       ItemType = 0xFF
)

func (t ItemType) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeI8:
		return "i8"
	case TypeU16:
		return "u16"
	case TypeI16:
		return "i16"
	case TypeU32:
		return "u32"
	case TypeI32:
		return "i32"
	case TypeU64:
		return "u64"
	case TypeI64:
		return "i64"
	case TypeSized:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeBlobData:
		return "blob_data"
	case TypeBlobIndex:
		return "blob_index"
	case TypeAny:
		return "any"
	}
	return "invalid"
}

func (t ItemType) valid() bool {
	switch t {
	case TypeU8, TypeI8, TypeU16, TypeI16, TypeU32, TypeI32, TypeU64, TypeI64,
		TypeSized, TypeBlob, TypeBlobData, TypeBlobIndex:
		return true
	}
	return false
}

// primitiveWidth returns the value width in bytes for primitive types.
func (t ItemType) primitiveWidth() (int, error) {
	switch t {
	case TypeU8, TypeI8:
		return 1, nil
	case TypeU16, TypeI16:
		return 2, nil
	case TypeU32, TypeI32:
		return 4, nil
	case TypeU64, TypeI64:
		return 8, nil
	}
	return 0, &ItemTypeMismatchError{Found: t}
}

// chunkIndexNone is the chunk_index byte for everything that is not a
// BlobData entry, and the wildcard component used for non-chunk lookups.
const chunkIndexNone = 0xFF

// Version offsets split the chunk_index space in two halves so both
// generations of a blob can coexist during an overwrite.
const (
	versionOffsetV0 = 0x00
	versionOffsetV1 = 0x80
)

func versionOffsetOf(chunkIndex byte) byte {
	if chunkIndex < versionOffsetV1 {
		return versionOffsetV0
	}
	return versionOffsetV1
}

func invertVersionOffset(offset byte) byte {
	if offset == versionOffsetV0 {
		return versionOffsetV1
	}
	return versionOffsetV0
}

// item is the in-RAM form of one 32-byte entry. The 8-byte data field is a
// raw buffer; the typed accessors below interpret it per ItemType. The entry
// CRC always covers the raw bytes regardless of interpretation.
type item struct {
	namespaceIndex byte
	itemType       ItemType
	span           byte
	chunkIndex     byte
	crc            uint32
	key            Key
	data           [8]byte
}

func (it *item) encode() [entrySize]byte {
	var buf [entrySize]byte
	buf[0] = it.namespaceIndex
	buf[1] = byte(it.itemType)
	buf[2] = it.span
	buf[3] = it.chunkIndex
	binary.LittleEndian.PutUint32(buf[4:8], it.crc)
	copy(buf[8:24], it.key[:])
	copy(buf[24:32], it.data[:])
	return buf
}

func decodeItem(buf [entrySize]byte) item {
	var it item
	it.namespaceIndex = buf[0]
	it.itemType = ItemType(buf[1])
	it.span = buf[2]
	it.chunkIndex = buf[3]
	it.crc = binary.LittleEndian.Uint32(buf[4:8])
	copy(it.key[:], buf[8:24])
	copy(it.data[:], buf[24:32])
	return it
}

// computeCRC covers entry bytes 0..4 and 8..32, skipping the CRC field
// itself.
func (it *item) computeCRC(f flash.Flash) uint32 {
	buf := it.encode()
	crc := f.Crc32(0xFFFFFFFF, buf[0:4])
	crc = f.Crc32(crc, buf[8:24])
	return f.Crc32(crc, buf[24:32])
}

// hash is the low 24 bits of a CRC-32 over namespace index, key, and chunk
// index. It mirrors the reference C++ layout: cheap, collision-tolerant.
func (it *item) hash(f flash.Flash) uint32 {
	return itemHash(f, it.namespaceIndex, it.key, it.chunkIndex)
}

func itemHash(f flash.Flash, namespaceIndex byte, key Key, chunkIndex byte) uint32 {
	crc := f.Crc32(0xFFFFFFFF, []byte{namespaceIndex})
	crc = f.Crc32(crc, key[:])
	crc = f.Crc32(crc, []byte{chunkIndex})
	return crc & 0xFFFFFF
}

func (it *item) sameIdentity(other *item) bool {
	return it.namespaceIndex == other.namespaceIndex &&
		it.key == other.key &&
		it.chunkIndex == other.chunkIndex
}

func (it *item) equal(other *item) bool {
	return it.encode() == other.encode()
}

// primitiveU64 reads the data field as a little-endian integer.
func (it *item) primitiveU64() uint64 {
	return binary.LittleEndian.Uint64(it.data[:])
}

func (it *item) setPrimitive(raw [8]byte) {
	it.data = raw
}

// sizedData interprets the data field as {size u16, reserved u16, crc u32},
// used by Sized and BlobData entries.
func (it *item) sizedData() (size int, crc uint32) {
	return int(binary.LittleEndian.Uint16(it.data[0:2])), binary.LittleEndian.Uint32(it.data[4:8])
}

func (it *item) setSizedData(size int, crc uint32) {
	binary.LittleEndian.PutUint16(it.data[0:2], uint16(size))
	binary.LittleEndian.PutUint16(it.data[2:4], 0xFFFF)
	binary.LittleEndian.PutUint32(it.data[4:8], crc)
}

// blobIndexData interprets the data field as {size u32, chunk_count u8,
// chunk_start u8, 2 unused}, used by BlobIndex entries.
func (it *item) blobIndexData() (size int, chunkCount, chunkStart byte) {
	return int(binary.LittleEndian.Uint32(it.data[0:4])), it.data[4], it.data[5]
}

func (it *item) setBlobIndexData(size int, chunkCount, chunkStart byte) {
	binary.LittleEndian.PutUint32(it.data[0:4], uint32(size))
	it.data[4] = chunkCount
	it.data[5] = chunkStart
	it.data[6] = 0xFF
	it.data[7] = 0xFF
}

// pageHeaderCRC covers header bytes 4..28: sequence, version, reserved.
func pageHeaderCRC(f flash.Flash, header []byte) uint32 {
	return f.Crc32(0xFFFFFFFF, header[4:28])
}

func encodePageHeader(f flash.Flash, state pageState, sequence uint32) [pageHeaderSize]byte {
	var buf [pageHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(state))
	binary.LittleEndian.PutUint32(buf[4:8], sequence)
	buf[8] = pageVersion
	for i := 9; i < 28; i++ {
		buf[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(buf[28:32], pageHeaderCRC(f, buf[:]))
	return buf
}
