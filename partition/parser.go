package partition

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
)

// Parse reads a partition image back into its entries, in the order they
// were written: pages by sequence number, slots in order. Blob chunks are
// reassembled under their index entry.
func Parse(image []byte) (*Partition, error) {
	if len(image)%SectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not a sector multiple", len(image))
	}

	var pages []parsedPage
	for offset := 0; offset+SectorSize <= len(image); offset += SectorSize {
		sector := image[offset : offset+SectorSize]
		state := binary.LittleEndian.Uint32(sector[0:4])

		switch state {
		case pageStateActive, pageStateFull, pageStateFreeing:
		default:
			continue
		}

		header := sector[:PageHeaderSize]
		if binary.LittleEndian.Uint32(header[28:32]) != crc32.Update(0xFFFFFFFF, crc32.IEEETable, header[4:28]) {
			continue
		}

		pages = append(pages, parsedPage{
			sequence: binary.LittleEndian.Uint32(sector[4:8]),
			data:     sector,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].sequence < pages[j].sequence })

	p := &parser{
		namespaces: map[byte]string{},
		chunks:     map[chunkKey][]byte{},
	}
	for _, page := range pages {
		if err := p.readPage(page.data); err != nil {
			return nil, err
		}
	}

	return p.assemble()
}

type parsedPage struct {
	sequence uint32
	data     []byte
}

type chunkKey struct {
	namespaceIndex byte
	key            string
	chunkIndex     byte
}

// rawEntry is one decoded header entry in stream order; blob indices are
// resolved against the chunk map during assembly.
type rawEntry struct {
	namespaceIndex byte
	itemType       byte
	chunkCount     byte
	chunkStart     byte
	size           uint32
	key            string
	data           [8]byte
	payload        []byte
}

type parser struct {
	namespaces map[byte]string
	chunks     map[chunkKey][]byte
	entries    []rawEntry
}

func entryState(sector []byte, slot int) byte {
	return (sector[PageHeaderSize+slot/4] >> ((slot % 4) * 2)) & 0b11
}

func (p *parser) readPage(sector []byte) error {
	for slot := 0; slot < EntriesPerPage; {
		if entryState(sector, slot) != entryStateWritten {
			slot++
			continue
		}

		offset := PageHeaderSize + EntryStateBitmapSize + slot*EntrySize
		buf := sector[offset : offset+EntrySize]

		crc := crc32.Update(0xFFFFFFFF, crc32.IEEETable, buf[0:4])
		crc = crc32.Update(crc, crc32.IEEETable, buf[8:32])
		if binary.LittleEndian.Uint32(buf[4:8]) != crc {
			slot++
			continue
		}

		span := int(buf[2])
		if span < 1 {
			span = 1
		}
		if slot+span > EntriesPerPage {
			span = EntriesPerPage - slot
		}

		entry := rawEntry{
			namespaceIndex: buf[0],
			itemType:       buf[1],
		}
		key := buf[8:24]
		for i, b := range key {
			if b == 0 {
				key = key[:i]
				break
			}
		}
		entry.key = string(key)
		copy(entry.data[:], buf[24:32])

		switch {
		case entry.namespaceIndex == 0:
			p.namespaces[entry.data[0]] = entry.key

		case entry.itemType == itemTypeBlobData:
			size := int(binary.LittleEndian.Uint16(buf[24:26]))
			if size > (span-1)*EntrySize {
				size = (span - 1) * EntrySize
			}
			payload := make([]byte, size)
			copy(payload, sector[offset+EntrySize:])
			p.chunks[chunkKey{entry.namespaceIndex, entry.key, buf[3]}] = payload

		case entry.itemType == itemTypeBlobIndex:
			entry.size = binary.LittleEndian.Uint32(buf[24:28])
			entry.chunkCount = buf[28]
			entry.chunkStart = buf[29]
			p.entries = append(p.entries, entry)

		case entry.itemType == itemTypeSized || entry.itemType == itemTypeBlob:
			size := int(binary.LittleEndian.Uint16(buf[24:26]))
			if size > (span-1)*EntrySize {
				size = (span - 1) * EntrySize
			}
			entry.payload = make([]byte, size)
			copy(entry.payload, sector[offset+EntrySize:])
			p.entries = append(p.entries, entry)

		default:
			p.entries = append(p.entries, entry)
		}

		slot += span
	}
	return nil
}

func (p *parser) assemble() (*Partition, error) {
	out := &Partition{}

	for _, entry := range p.entries {
		namespace, ok := p.namespaces[entry.namespaceIndex]
		if !ok {
			return nil, fmt.Errorf("entry %q references undefined namespace index %d", entry.key, entry.namespaceIndex)
		}

		value, err := p.entryValue(&entry)
		if err != nil {
			return nil, err
		}

		out.Entries = append(out.Entries, Entry{
			Namespace: namespace,
			Key:       entry.key,
			Value:     value,
		})
	}

	return out, nil
}

func (p *parser) entryValue(entry *rawEntry) (Value, error) {
	switch entry.itemType {
	case itemTypeU8:
		return Value{Kind: KindU8, Uint: uint64(entry.data[0])}, nil
	case itemTypeU16:
		return Value{Kind: KindU16, Uint: uint64(binary.LittleEndian.Uint16(entry.data[0:2]))}, nil
	case itemTypeU32:
		return Value{Kind: KindU32, Uint: uint64(binary.LittleEndian.Uint32(entry.data[0:4]))}, nil
	case itemTypeU64:
		return Value{Kind: KindU64, Uint: binary.LittleEndian.Uint64(entry.data[0:8])}, nil
	case itemTypeI8:
		return Value{Kind: KindI8, Int: int64(int8(entry.data[0]))}, nil
	case itemTypeI16:
		return Value{Kind: KindI16, Int: int64(int16(binary.LittleEndian.Uint16(entry.data[0:2])))}, nil
	case itemTypeI32:
		return Value{Kind: KindI32, Int: int64(int32(binary.LittleEndian.Uint32(entry.data[0:4])))}, nil
	case itemTypeI64:
		return Value{Kind: KindI64, Int: int64(binary.LittleEndian.Uint64(entry.data[0:8]))}, nil

	case itemTypeSized:
		if len(entry.payload) == 0 {
			return Value{}, fmt.Errorf("string entry %q has no payload", entry.key)
		}
		return Value{Kind: KindString, Str: string(entry.payload[:len(entry.payload)-1])}, nil

	case itemTypeBlob:
		// Legacy single-span blob: the payload is inline, like a string.
		return Value{Kind: KindBinary, Bytes: entry.payload}, nil

	case itemTypeBlobIndex:
		buf := make([]byte, 0, entry.size)
		for chunk := entry.chunkStart; chunk < entry.chunkStart+entry.chunkCount; chunk++ {
			payload, ok := p.chunks[chunkKey{entry.namespaceIndex, entry.key, chunk}]
			if !ok {
				return Value{}, fmt.Errorf("blob %q is missing chunk %d", entry.key, chunk)
			}
			buf = append(buf, payload...)
		}
		if uint32(len(buf)) != entry.size {
			return Value{}, fmt.Errorf("blob %q chunks sum to %d bytes, index claims %d", entry.key, len(buf), entry.size)
		}
		return Value{Kind: KindBinary, Bytes: buf}, nil
	}

	return Value{}, fmt.Errorf("entry %q has unsupported type 0x%02x", entry.key, entry.itemType)
}
