package partition

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Generate builds a partition image of the given sector count from the
// entries, in order. Namespaces get indices in first-appearance order. One
// sector is kept uninitialized as the engine's reserve page, matching what
// the device-side allocator expects to find.
func Generate(p *Partition, sectors int) ([]byte, error) {
	if sectors < 2 {
		return nil, fmt.Errorf("%w: need at least 2 sectors", ErrPartitionFull)
	}

	g := newGenerator(sectors)

	namespaces := map[string]byte{}
	for _, entry := range p.Entries {
		if err := ValidateKey(entry.Namespace); err != nil {
			return nil, err
		}
		if err := ValidateKey(entry.Key); err != nil {
			return nil, err
		}

		index, ok := namespaces[entry.Namespace]
		if !ok {
			if len(namespaces) == MaxNamespaces {
				return nil, ErrTooManyNS
			}
			index = byte(len(namespaces) + 1)
			namespaces[entry.Namespace] = index
			if err := g.writeNamespaceEntry(entry.Namespace, index); err != nil {
				return nil, err
			}
		}

		if err := g.writeValue(index, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	return g.data, nil
}

// generator appends entries to an in-memory image, advancing to a fresh
// page whenever the current one fills up. The last written page stays
// Active, the ones before it are marked Full.
type generator struct {
	data       []byte
	sectors    int
	pageIndex  int
	entryIndex int
}

func newGenerator(sectors int) *generator {
	data := make([]byte, sectors*SectorSize)
	for i := range data {
		data[i] = 0xFF
	}

	g := &generator{data: data, sectors: sectors}
	g.writePageHeader(0, 0, pageStateActive)
	return g
}

func (g *generator) freeEntries() int {
	return EntriesPerPage - g.entryIndex
}

// advancePage closes the current page as Full and opens the next one. The
// final sector stays in reserve.
func (g *generator) advancePage() error {
	if g.pageIndex+1 >= g.sectors-1 {
		return ErrPartitionFull
	}

	g.writePageHeader(g.pageIndex, uint32(g.pageIndex), pageStateFull)
	g.pageIndex++
	g.entryIndex = 0
	g.writePageHeader(g.pageIndex, uint32(g.pageIndex), pageStateActive)
	return nil
}

func (g *generator) writePageHeader(pageIndex int, sequence, state uint32) {
	offset := pageIndex * SectorSize
	header := g.data[offset : offset+PageHeaderSize]

	binary.LittleEndian.PutUint32(header[0:4], state)
	binary.LittleEndian.PutUint32(header[4:8], sequence)
	header[8] = pageVersion
	for i := 9; i < 28; i++ {
		header[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(header[28:32], crc32.Update(0xFFFFFFFF, crc32.IEEETable, header[4:28]))
}

func (g *generator) entryOffset(entryIndex int) int {
	return g.pageIndex*SectorSize + PageHeaderSize + EntryStateBitmapSize + entryIndex*EntrySize
}

func (g *generator) setEntryState(entryIndex int, state byte) {
	offset := g.pageIndex*SectorSize + PageHeaderSize + entryIndex/4
	shift := uint((entryIndex % 4) * 2)
	g.data[offset] &= state<<shift | ^(byte(0b11) << shift)
}

// writeEntryHeader emits one 32-byte entry at the current slot and marks it
// written. The caller provides the 8-byte data field.
func (g *generator) writeEntryHeader(namespaceIndex byte, itemType byte, span int, chunkIndex byte, key string, data [8]byte) error {
	if g.freeEntries() < span {
		if err := g.advancePage(); err != nil {
			return err
		}
	}

	buf := g.data[g.entryOffset(g.entryIndex) : g.entryOffset(g.entryIndex)+EntrySize]
	buf[0] = namespaceIndex
	buf[1] = itemType
	buf[2] = byte(span)
	buf[3] = chunkIndex
	for i := range buf[8:24] {
		buf[8+i] = 0
	}
	copy(buf[8:24], key)
	copy(buf[24:32], data[:])

	crc := crc32.Update(0xFFFFFFFF, crc32.IEEETable, buf[0:4])
	crc = crc32.Update(crc, crc32.IEEETable, buf[8:32])
	binary.LittleEndian.PutUint32(buf[4:8], crc)

	g.setEntryState(g.entryIndex, entryStateWritten)
	g.entryIndex++
	return nil
}

// writeDataEntries copies a payload into the slots following its header.
func (g *generator) writeDataEntries(payload []byte) {
	copy(g.data[g.entryOffset(g.entryIndex):], payload)

	entries := (len(payload) + EntrySize - 1) / EntrySize
	for i := 0; i < entries; i++ {
		g.setEntryState(g.entryIndex, entryStateWritten)
		g.entryIndex++
	}
}

func (g *generator) writeNamespaceEntry(name string, index byte) error {
	data := [8]byte{index, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	return g.writeEntryHeader(0, itemTypeU8, 1, chunkIndexNone, name, data)
}

func (g *generator) writeValue(namespaceIndex byte, key string, value Value) error {
	switch value.Kind {
	case KindU8:
		return g.writePrimitive(namespaceIndex, key, itemTypeU8, value.Uint, 1)
	case KindU16:
		return g.writePrimitive(namespaceIndex, key, itemTypeU16, value.Uint, 2)
	case KindU32:
		return g.writePrimitive(namespaceIndex, key, itemTypeU32, value.Uint, 4)
	case KindU64:
		return g.writePrimitive(namespaceIndex, key, itemTypeU64, value.Uint, 8)
	case KindI8:
		return g.writePrimitive(namespaceIndex, key, itemTypeI8, uint64(value.Int), 1)
	case KindI16:
		return g.writePrimitive(namespaceIndex, key, itemTypeI16, uint64(value.Int), 2)
	case KindI32:
		return g.writePrimitive(namespaceIndex, key, itemTypeI32, uint64(value.Int), 4)
	case KindI64:
		return g.writePrimitive(namespaceIndex, key, itemTypeI64, uint64(value.Int), 8)
	case KindString:
		payload := append([]byte(value.Str), 0)
		return g.writeSized(namespaceIndex, key, payload)
	case KindBinary:
		return g.writeBlob(namespaceIndex, key, value.Bytes)
	}
	return fmt.Errorf("unsupported value kind %d", value.Kind)
}

func (g *generator) writePrimitive(namespaceIndex byte, key string, itemType byte, value uint64, width int) error {
	data := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := 0; i < width; i++ {
		data[i] = byte(value >> (8 * i))
	}
	return g.writeEntryHeader(namespaceIndex, itemType, 1, chunkIndexNone, key, data)
}

// sizedDataField builds the 8-byte data field of a Sized or BlobData
// header: {size u16, reserved u16, payload crc u32}.
func sizedDataField(payload []byte) [8]byte {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(data[2:4], 0xFFFF)
	binary.LittleEndian.PutUint32(data[4:8], crc32.Update(0xFFFFFFFF, crc32.IEEETable, payload))
	return data
}

func (g *generator) writeSized(namespaceIndex byte, key string, payload []byte) error {
	if len(payload) > MaxDataPerChunk {
		return ErrValueTooLong
	}

	span := 1 + (len(payload)+EntrySize-1)/EntrySize
	if err := g.writeEntryHeader(namespaceIndex, itemTypeSized, span, chunkIndexNone, key, sizedDataField(payload)); err != nil {
		return err
	}
	g.writeDataEntries(payload)
	return nil
}

// writeBlob emits BlobData chunks sized to the current page's free slots,
// then the BlobIndex. Small blobs still use the index+data form; the legacy
// single-span encoding is never generated.
func (g *generator) writeBlob(namespaceIndex byte, key string, payload []byte) error {
	var chunkCount byte
	offset := 0

	for offset < len(payload) {
		if g.freeEntries() < 2 {
			if err := g.advancePage(); err != nil {
				return err
			}
		}

		chunkLen := (g.freeEntries() - 1) * EntrySize
		if chunkLen > len(payload)-offset {
			chunkLen = len(payload) - offset
		}
		chunk := payload[offset : offset+chunkLen]

		span := 1 + (len(chunk)+EntrySize-1)/EntrySize
		if err := g.writeEntryHeader(namespaceIndex, itemTypeBlobData, span, chunkCount, key, sizedDataField(chunk)); err != nil {
			return err
		}
		g.writeDataEntries(chunk)

		offset += chunkLen
		chunkCount++
	}

	var data [8]byte
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(payload)))
	data[4] = chunkCount
	data[5] = 0 // chunk_start
	data[6] = 0xFF
	data[7] = 0xFF
	return g.writeEntryHeader(namespaceIndex, itemTypeBlobIndex, 1, chunkIndexNone, key, data)
}
