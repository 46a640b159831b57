package nvs

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/espkv/nvs/flash"
)

// hashEntry is one slot of the per-page secondary index: the 24-bit item
// hash and the entry slot it lives in. Namespace-definition entries are not
// indexed.
type hashEntry struct {
	hash uint32
	slot byte
}

// page is the in-RAM shadow of one flash sector. It owns every read and
// write confined to that sector and tracks slot states, the item hash list,
// and a bloom filter for fast negative lookups. written mirrors the
// bitmap's Written slots; the compaction copy loop iterates it.
type page struct {
	address  uint32
	state    pageState
	sequence uint32
	version  byte

	bitmap   [entryStateBitmapSize]byte
	hashList []hashEntry
	filter   *bloom.BloomFilter
	written  *bitset.BitSet

	usedEntries   int
	erasedEntries int
}

func newUninitializedPage(address uint32) *page {
	p := &page{
		address: address,
		state:   pageStateUninitialized,
		written: bitset.New(EntriesPerPage),
	}
	for i := range p.bitmap {
		p.bitmap[i] = 0xFF
	}
	return p
}

// initialize writes a fresh Active header with the given sequence number.
func (p *page) initialize(f flash.Flash, sequence uint32) error {
	header := encodePageHeader(f, pageStateActive, sequence)
	if err := flash.WriteAligned(f, p.address, header[:]); err != nil {
		return flashFailure(err)
	}

	p.state = pageStateActive
	p.sequence = sequence
	p.version = pageVersion
	return nil
}

// markFull clears the full bit in the state word. Idempotent: rewriting the
// same word only clears already-cleared bits.
func (p *page) markFull(f flash.Flash) error {
	return p.writeState(f, pageStateFull)
}

// markFreeing clears the freeing bit, flagging the page as a compaction
// victim whose items are being moved.
func (p *page) markFreeing(f flash.Flash) error {
	return p.writeState(f, pageStateFreeing)
}

func (p *page) writeState(f flash.Flash, state pageState) error {
	var raw [4]byte
	raw[0] = byte(state)
	raw[1] = byte(state >> 8)
	raw[2] = byte(state >> 16)
	raw[3] = byte(state >> 24)

	if err := flash.WriteAligned(f, p.address, raw[:]); err != nil {
		return flashFailure(err)
	}
	p.state = state
	return nil
}

func (p *page) entryAddress(slot int) uint32 {
	return p.address + entriesOffset + uint32(slot)*entrySize
}

// loadItem reads and verifies one entry. An all-0xFF or CRC-invalid entry
// reads as ErrKeyNotFound; the caller keeps looking elsewhere.
func (p *page) loadItem(f flash.Flash, slot byte) (item, error) {
	var buf [entrySize]byte
	if err := f.Read(p.entryAddress(int(slot)), buf[:]); err != nil {
		return item{}, flashFailure(err)
	}

	empty := true
	for _, b := range buf {
		if b != 0xFF {
			empty = false
			break
		}
	}
	if empty {
		return item{}, ErrKeyNotFound
	}

	it := decodeItem(buf)
	if it.crc != it.computeCRC(f) {
		return item{}, ErrKeyNotFound
	}
	return it, nil
}

// writeItem composes and writes a single-slot entry (span is always 1 for
// scalars, namespace definitions, and blob indices), then flips its bitmap
// slot to Written. Items outside namespace 0 are added to the hash list.
func (p *page) writeItem(f flash.Flash, namespaceIndex byte, key Key, itemType ItemType, chunkIndex byte, data [8]byte) error {
	slot := p.nextFreeSlot()
	if slot >= EntriesPerPage {
		return errPageFull
	}

	it := item{
		namespaceIndex: namespaceIndex,
		itemType:       itemType,
		span:           1,
		chunkIndex:     chunkIndex,
		key:            key,
		data:           data,
	}
	it.crc = it.computeCRC(f)

	buf := it.encode()
	if err := flash.WriteAligned(f, p.entryAddress(slot), buf[:]); err != nil {
		return flashFailure(err)
	}

	if err := p.setEntryStateRange(f, slot, slot+1, entryStateWritten); err != nil {
		return err
	}
	p.written.Set(uint(slot))
	p.usedEntries++

	if namespaceIndex != 0 {
		p.addHash(f, it.hash(f), byte(slot))
	}

	if p.nextFreeSlot() == EntriesPerPage {
		return p.markFull(f)
	}
	return nil
}

// writeNamespace writes a namespace-definition entry: namespace index 0,
// type U8, the assigned index in the first data byte.
func (p *page) writeNamespace(f flash.Flash, name Key, index byte) error {
	data := [8]byte{index, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	return p.writeItem(f, 0, name, TypeU8, chunkIndexNone, data)
}

// writeVariableSized writes a Sized or BlobData item: one header slot plus
// ceil(len/32) payload slots, flipped to Written in a single bitmap update.
func (p *page) writeVariableSized(f flash.Flash, namespaceIndex byte, key Key, itemType ItemType, chunkIndex byte, payload []byte) error {
	dataEntries := (len(payload) + entrySize - 1) / entrySize
	span := dataEntries + 1

	if span > EntriesPerPage {
		return ErrValueTooLong
	}
	if span > p.freeEntryCount() {
		return errPageFull
	}

	start := p.nextFreeSlot()

	it := item{
		namespaceIndex: namespaceIndex,
		itemType:       itemType,
		span:           byte(span),
		chunkIndex:     chunkIndex,
		key:            key,
	}
	it.setSizedData(len(payload), f.Crc32(0xFFFFFFFF, payload))
	it.crc = it.computeCRC(f)

	buf := it.encode()
	if err := flash.WriteAligned(f, p.entryAddress(start), buf[:]); err != nil {
		return flashFailure(err)
	}
	if err := flash.WriteAligned(f, p.entryAddress(start+1), payload); err != nil {
		return flashFailure(err)
	}

	if err := p.setEntryStateRange(f, start, start+span, entryStateWritten); err != nil {
		return err
	}
	for slot := start; slot < start+span; slot++ {
		p.written.Set(uint(slot))
	}
	p.usedEntries += span

	p.addHash(f, it.hash(f), byte(start))

	if start+span == EntriesPerPage {
		return p.markFull(f)
	}
	return nil
}

// loadPayload reads the payload slots following a Sized or BlobData header.
// The caller verifies the payload CRC against the header.
func (p *page) loadPayload(f flash.Flash, slot byte, it *item) ([]byte, error) {
	switch it.itemType {
	case TypeSized, TypeBlobData:
	default:
		return nil, &ItemTypeMismatchError{Found: it.itemType}
	}

	size, _ := it.sizedData()
	if size > (int(it.span)-1)*entrySize || int(slot)+int(it.span) > EntriesPerPage {
		return nil, ErrCorruptedData
	}

	buf := make([]byte, flash.AlignUp(size, f.ReadSize()))
	if err := f.Read(p.entryAddress(int(slot)+1), buf); err != nil {
		return nil, flashFailure(err)
	}
	return buf[:size], nil
}

// eraseItem flips the item's bitmap slots to Erased and drops it from the
// hash list. The bloom filter keeps the stale hash; it only ever produces
// false positives.
func (p *page) eraseItem(f flash.Flash, slot byte, span byte) error {
	if err := p.setEntryStateRange(f, int(slot), int(slot)+int(span), entryStateErased); err != nil {
		return err
	}

	p.erasedEntries += int(span)
	p.usedEntries -= int(span)
	for i := 0; i < int(span); i++ {
		p.written.Clear(uint(slot) + uint(i))
	}

	kept := p.hashList[:0]
	for _, entry := range p.hashList {
		if entry.slot != slot {
			kept = append(kept, entry)
		}
	}
	p.hashList = kept

	return nil
}

func (p *page) addHash(f flash.Flash, hash uint32, slot byte) {
	p.hashList = append(p.hashList, hashEntry{hash: hash, slot: slot})
	if p.filter == nil {
		p.filter = bloom.NewWithEstimates(EntriesPerPage, 0.01)
	}
	p.filter.Add(hashKey(hash))
}

// mayContain is a negative-lookup filter: false means the hash is
// definitely not on this page.
func (p *page) mayContain(hash uint32) bool {
	return p.filter != nil && p.filter.Test(hashKey(hash))
}

func hashKey(hash uint32) []byte {
	return []byte{byte(hash), byte(hash >> 8), byte(hash >> 16)}
}

func (p *page) entryState(slot int) entryState {
	b := p.bitmap[slot/4]
	return entryState((b >> ((slot % 4) * 2)) & 0b11)
}

// setEntryStateRange transitions slots [start, end) to the given state. The
// shadow bytes are updated by pure bit-clears and flushed at WriteSize
// granularity, with flanking bits taken from the shadow.
func (p *page) setEntryStateRange(f flash.Flash, start, end int, state entryState) error {
	for slot := start; slot < end; slot++ {
		shift := uint((slot % 4) * 2)
		mask := byte(0b11) << shift
		bits := byte(state) << shift
		p.bitmap[slot/4] &= bits | ^mask
	}

	startByte := start / 4
	endByte := (end - 1) / 4

	alignedStart := flash.AlignDown(startByte, f.WriteSize())
	alignedEnd := flash.AlignUp(endByte+1, f.WriteSize())
	if alignedEnd > entryStateBitmapSize {
		alignedEnd = entryStateBitmapSize
	}

	err := f.Write(p.address+bitmapOffset+uint32(alignedStart), p.bitmap[alignedStart:alignedEnd])
	if err != nil {
		return flashFailure(err)
	}
	return nil
}

func (p *page) setEntryState(f flash.Flash, slot int, state entryState) error {
	return p.setEntryStateRange(f, slot, slot+1, state)
}

// nextFreeSlot works because written spans never interleave with erased
// slots: entries are allocated strictly in order.
func (p *page) nextFreeSlot() int {
	return p.usedEntries + p.erasedEntries
}

func (p *page) freeEntryCount() int {
	return EntriesPerPage - p.nextFreeSlot()
}

func (p *page) isFull() bool {
	return p.nextFreeSlot() == EntriesPerPage
}

// entryStatistics counts the bitmap states across all slots.
func (p *page) entryStatistics() (empty, written, erased, illegal uint32) {
	for slot := 0; slot < EntriesPerPage; slot++ {
		switch p.entryState(slot) {
		case entryStateEmpty:
			empty++
		case entryStateWritten:
			written++
		case entryStateErased:
			erased++
		case entryStateIllegal:
			illegal++
		}
	}
	return
}
