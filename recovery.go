package nvs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// blobKey identifies one generation of a blob: both versions of the same
// key track separately until repair decides which one survives.
type blobKey struct {
	namespaceIndex byte
	versionOffset  byte
	key            Key
}

// chunkData accumulates the BlobData chunks observed on one page.
type chunkData struct {
	pageSequence uint32
	chunkCount   byte
	dataSize     uint32
}

// blobIndexInfo records where a BlobIndex entry was found and what it
// claims about its data.
type blobIndexInfo struct {
	slot         byte
	pageSequence uint32
	size         uint32
	chunkCount   byte
	chunkStart   byte
}

// blobTrack is the per-generation view built during the scan: the index
// entry, if any, and the chunks actually present.
type blobTrack struct {
	index        *blobIndexInfo
	chunksByPage []chunkData
}

// loadSectors reads every sector of the partition, rebuilds the in-RAM
// state, and repairs whatever an interrupted operation left behind:
//  1. restore the active-page ordering invariant
//  2. finish an interrupted page freeing
//  3. drop older duplicates of scalar and string entries
//  4. resolve blob version conflicts and remove orphaned chunks
func (s *Store) loadSectors() error {
	blobs := make(map[blobKey]*blobTrack)

	for sector := 0; sector < s.sectors; sector++ {
		address := s.baseAddress + uint32(sector)*SectorSize
		if err := s.loadSector(address, blobs); err != nil {
			return err
		}
	}

	if err := s.ensureActivePageOrder(); err != nil {
		return err
	}

	resumed, err := s.continueFreePage()
	if err != nil {
		return err
	}
	if resumed {
		// The resume moved items between pages, so the counts collected
		// during the scan are stale: chunks were seen on both the victim and
		// the target. Rebuild the blob view from what actually survived.
		if blobs, err = s.collectBlobTracks(); err != nil {
			return err
		}
	}

	if err := s.cleanupDuplicateEntries(); err != nil {
		return err
	}
	return s.cleanupDirtyBlobs(blobs)
}

// collectBlobTracks rebuilds the blob-tracking map from the live pages.
func (s *Store) collectBlobTracks() (map[blobKey]*blobTrack, error) {
	blobs := make(map[blobKey]*blobTrack)
	for _, p := range s.pages {
		for _, entry := range p.hashList {
			it, err := p.loadItem(s.flash, entry.slot)
			if err != nil {
				return nil, err
			}
			if it.itemType == TypeBlobIndex || it.itemType == TypeBlobData {
				s.trackBlobEntry(blobs, p, entry.slot, &it)
			}
		}
	}
	return blobs, nil
}

// loadSector classifies one sector and, for used pages, walks its 126 slots
// rebuilding counts, the hash list, the namespace map, and blob tracking.
func (s *Store) loadSector(address uint32, blobs map[blobKey]*blobTrack) error {
	buf := make([]byte, SectorSize)
	if err := s.flash.Read(address, buf); err != nil {
		return flashFailure(err)
	}

	headerEmpty := true
	for _, b := range buf[:pageHeaderSize] {
		if b != 0xFF {
			headerEmpty = false
			break
		}
	}
	if headerEmpty {
		s.pushFree(newUninitializedPage(address))
		return nil
	}

	p := newUninitializedPage(address)
	p.state = pageStateFromRaw(binary.LittleEndian.Uint32(buf[0:4]))
	p.sequence = binary.LittleEndian.Uint32(buf[4:8])
	p.version = buf[8]
	copy(p.bitmap[:], buf[bitmapOffset:bitmapOffset+entryStateBitmapSize])

	switch p.state {
	case pageStateCorrupt, pageStateInvalid:
		s.pushFree(p)
		return nil
	case pageStateUninitialized:
		// The header state reads as erased but other bytes are not: the
		// sector will be erased once the free pool needs it.
		for _, b := range buf {
			if b != 0xFF {
				p.state = pageStateCorrupt
				break
			}
		}
		s.pushFree(p)
		return nil
	}

	if binary.LittleEndian.Uint32(buf[28:32]) != pageHeaderCRC(s.flash, buf[:pageHeaderSize]) {
		p.state = pageStateCorrupt
		s.pushFree(p)
		return nil
	}

	for slot := 0; slot < EntriesPerPage; {
		var raw [entrySize]byte
		copy(raw[:], buf[entriesOffset+slot*entrySize:])
		it := decodeItem(raw)

		span := int(it.span)
		if span < 1 {
			span = 1
		}
		if slot+span > EntriesPerPage {
			span = EntriesPerPage - slot
		}

		switch p.entryState(slot) {
		case entryStateIllegal, entryStateErased:
			p.erasedEntries++
			slot++
			continue

		case entryStateEmpty:
			// The entry bytes may be complete even though the bitmap flip
			// never happened. Promote anything that verifies.
			if it.crc != it.computeCRC(s.flash) || !it.itemType.valid() || it.span == 0xFF {
				slot++
				continue
			}

			switch it.itemType {
			case TypeU8, TypeI8, TypeU16, TypeI16, TypeU32, TypeI32, TypeU64, TypeI64, TypeBlobIndex:
				if err := p.setEntryState(s.flash, slot, entryStateWritten); err != nil {
					return err
				}
				p.written.Set(uint(slot))
				p.usedEntries++

			case TypeBlob:
				// Legacy blobs are counted as used but are never promoted
				// or indexed.
				p.usedEntries++
				slot++
				continue

			case TypeSized, TypeBlobData:
				data, err := p.loadPayload(s.flash, byte(slot), &it)
				valid := err == nil
				if valid {
					_, crc := it.sizedData()
					valid = crc == s.flash.Crc32(0xFFFFFFFF, data)
				} else if errors.Is(err, ErrFlashError) {
					return err
				}

				if !valid {
					if err := p.setEntryStateRange(s.flash, slot, slot+span, entryStateErased); err != nil {
						return err
					}
					p.erasedEntries += span
					slot += span
					continue
				}

				if err := p.setEntryStateRange(s.flash, slot, slot+span, entryStateWritten); err != nil {
					return err
				}
				for i := slot; i < slot+span; i++ {
					p.written.Set(uint(i))
				}
				p.usedEntries += span
			}

		case entryStateWritten:
			if it.crc != it.computeCRC(s.flash) {
				if err := p.setEntryStateRange(s.flash, slot, slot+span, entryStateErased); err != nil {
					return err
				}
				p.erasedEntries += span
				slot += span
				continue
			}
			p.usedEntries += span
			for i := slot; i < slot+span; i++ {
				p.written.Set(uint(i))
			}
		}

		if it.namespaceIndex == 0 {
			var name Key
			copy(name[:], it.key[:])
			s.namespaces[name] = it.data[0]
			slot += span
			continue
		}

		if it.itemType == TypeBlobIndex || it.itemType == TypeBlobData {
			s.trackBlobEntry(blobs, p, byte(slot), &it)
		}

		p.addHash(s.flash, it.hash(s.flash), byte(slot))

		slot += span
	}

	s.pushPage(p)
	return nil
}

func (s *Store) trackBlobEntry(blobs map[blobKey]*blobTrack, p *page, slot byte, it *item) {
	var versionOffset byte
	if it.itemType == TypeBlobIndex {
		_, _, chunkStart := it.blobIndexData()
		versionOffset = versionOffsetOf(chunkStart)
	} else {
		versionOffset = versionOffsetOf(it.chunkIndex)
	}

	key := blobKey{namespaceIndex: it.namespaceIndex, versionOffset: versionOffset, key: it.key}
	track := blobs[key]
	if track == nil {
		track = &blobTrack{}
		blobs[key] = track
	}

	if it.itemType == TypeBlobIndex {
		size, chunkCount, chunkStart := it.blobIndexData()
		track.index = &blobIndexInfo{
			slot:         slot,
			pageSequence: p.sequence,
			size:         uint32(size),
			chunkCount:   chunkCount,
			chunkStart:   chunkStart,
		}
		return
	}

	chunkSize, _ := it.sizedData()
	for i := range track.chunksByPage {
		if track.chunksByPage[i].pageSequence == p.sequence {
			track.chunksByPage[i].chunkCount++
			track.chunksByPage[i].dataSize += uint32(chunkSize)
			return
		}
	}
	track.chunksByPage = append(track.chunksByPage, chunkData{
		pageSequence: p.sequence,
		chunkCount:   1,
		dataSize:     uint32(chunkSize),
	})
}

// ensureActivePageOrder moves the newest Active page to the end of the page
// list, where the write path expects it, and demotes any spurious duplicate
// actives to Full.
func (s *Store) ensureActivePageOrder() error {
	best := -1
	activeCount := 0
	for idx, p := range s.pages {
		if p.state != pageStateActive {
			continue
		}
		activeCount++
		if best == -1 || p.sequence > s.pages[best].sequence {
			best = idx
		}
	}
	if best == -1 {
		return nil
	}

	last := len(s.pages) - 1
	if best != last {
		s.pages[best], s.pages[last] = s.pages[last], s.pages[best]
	}

	if activeCount > 1 {
		for _, p := range s.pages[:last] {
			if p.state == pageStateActive {
				if err := p.markFull(s.flash); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// continueFreePage finishes a page freeing that was interrupted by a power
// loss: re-run the resume-safe copy into the active page (or a fresh one)
// and erase the victim.
func (s *Store) continueFreePage() (bool, error) {
	source := s.takePage(pageStateFreeing)
	if source == nil {
		return false, nil
	}

	target := s.takePage(pageStateActive)
	if target == nil {
		target = s.popFree()
		if target == nil {
			return false, ErrFlashFull
		}
		if target.state != pageStateUninitialized {
			if err := s.flash.Erase(target.address, target.address+SectorSize); err != nil {
				return false, flashFailure(err)
			}
			target = newUninitializedPage(target.address)
		}
		if err := target.initialize(s.flash, s.nextSequence()); err != nil {
			return false, err
		}
	}

	if err := s.copyItems(source, target); err != nil {
		return false, err
	}
	return true, s.erasePage(source)
}

func (s *Store) takePage(state pageState) *page {
	for idx, p := range s.pages {
		if p.state == state {
			s.pages[idx] = s.pages[len(s.pages)-1]
			s.pages = s.pages[:len(s.pages)-1]
			return p
		}
	}
	return nil
}

type entryRef struct {
	pageIndex int
	slot      byte
	sequence  uint32
	span      byte
}

// cleanupDuplicateEntries enforces the at-most-one-entry-per-key invariant
// for scalars and strings: when a write completed but the erase of the old
// entry did not, keep the newest copy and erase the rest. Namespace
// definitions and blob entries are left alone; blobs have their own repair.
func (s *Store) cleanupDuplicateEntries() error {
	byHash := make(map[uint32][]entryRef)
	for pageIdx, p := range s.pages {
		for _, entry := range p.hashList {
			byHash[entry.hash] = append(byHash[entry.hash], entryRef{
				pageIndex: pageIdx,
				slot:      entry.slot,
				sequence:  p.sequence,
			})
		}
	}

	hashes := make([]uint32, 0, len(byHash))
	for hash, refs := range byHash {
		if len(refs) > 1 {
			hashes = append(hashes, hash)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	type dedupeKey struct {
		namespaceIndex byte
		key            Key
	}

	for _, hash := range hashes {
		groups := make(map[dedupeKey][]entryRef)
		var order []dedupeKey

		for _, ref := range byHash[hash] {
			it, err := s.pages[ref.pageIndex].loadItem(s.flash, ref.slot)
			if err != nil {
				return err
			}
			if it.namespaceIndex == 0 || it.itemType == TypeBlobIndex || it.itemType == TypeBlobData {
				continue
			}

			key := dedupeKey{namespaceIndex: it.namespaceIndex, key: it.key}
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			ref.span = it.span
			groups[key] = append(groups[key], ref)
		}

		for _, key := range order {
			group := groups[key]
			if len(group) <= 1 {
				continue
			}

			// Oldest first; the newest survives.
			sort.Slice(group, func(i, j int) bool {
				if group[i].sequence != group[j].sequence {
					return group[i].sequence < group[j].sequence
				}
				return group[i].slot < group[j].slot
			})

			for _, ref := range group[:len(group)-1] {
				if err := s.pages[ref.pageIndex].eraseItem(s.flash, ref.slot, ref.span); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// cleanupDirtyBlobs enforces the index-iff-all-chunks invariant. Per key it
// sees at most two generations (an overwrite interrupted mid-flight leaves
// both): an index whose chunk count or size disagrees with the chunks on
// flash is dropped, of two valid indices the older one is dropped, and
// chunks without an index are orphans and dropped too.
func (s *Store) cleanupDirtyBlobs(blobs map[blobKey]*blobTrack) error {
	type pairKey struct {
		namespaceIndex byte
		key            Key
	}

	pairs := make(map[pairKey][2]*blobTrack)
	for key, track := range blobs {
		pk := pairKey{namespaceIndex: key.namespaceIndex, key: key.key}
		pair := pairs[pk]
		if key.versionOffset == versionOffsetV0 {
			pair[0] = track
		} else {
			pair[1] = track
		}
		pairs[pk] = pair
	}

	ordered := make([]pairKey, 0, len(pairs))
	for pk := range pairs {
		ordered = append(ordered, pk)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].namespaceIndex != ordered[j].namespaceIndex {
			return ordered[i].namespaceIndex < ordered[j].namespaceIndex
		}
		return bytes.Compare(ordered[i].key[:], ordered[j].key[:]) < 0
	})

	for _, pk := range ordered {
		pair := pairs[pk]

		for _, track := range pair {
			if track == nil || track.index == nil {
				continue
			}

			var chunkCount byte
			var dataSize uint32
			for _, chunk := range track.chunksByPage {
				chunkCount += chunk.chunkCount
				dataSize += chunk.dataSize
			}

			if track.index.chunkCount != chunkCount || track.index.size != dataSize {
				if err := s.eraseBlobIndex(pk.namespaceIndex, pk.key, track.index); err != nil {
					return err
				}
				track.index = nil
			}
		}

		if pair[0] != nil && pair[1] != nil && pair[0].index != nil && pair[1].index != nil {
			// Two complete generations: an overwrite finished writing the
			// new index but crashed before deleting the old one. The newer
			// index by (page sequence, slot) wins.
			older := pair[0]
			if newerIndex(pair[0].index, pair[1].index) {
				older = pair[1]
			}
			if err := s.eraseBlobIndex(pk.namespaceIndex, pk.key, older.index); err != nil {
				return err
			}
			older.index = nil
		}

		for version, track := range pair {
			if track == nil || track.index != nil || len(track.chunksByPage) == 0 {
				continue
			}
			versionBase := byte(versionOffsetV0)
			if version == 1 {
				versionBase = versionOffsetV1
			}
			if err := s.deleteBlobData(pk.namespaceIndex, pk.key, versionBase); err != nil {
				return err
			}
		}
	}

	return nil
}

// newerIndex reports whether a is newer than b.
func newerIndex(a, b *blobIndexInfo) bool {
	if a.pageSequence != b.pageSequence {
		return a.pageSequence > b.pageSequence
	}
	return a.slot > b.slot
}

// eraseBlobIndex erases exactly the recorded index entry, located by its
// page sequence, rather than whichever index a key lookup would find first.
// If that page was reclaimed by an interrupted-freeing resume, the entry
// moved: fall back to locating it by identity and version offset.
func (s *Store) eraseBlobIndex(namespaceIndex byte, key Key, info *blobIndexInfo) error {
	for _, p := range s.pages {
		if p.sequence == info.pageSequence {
			return p.eraseItem(s.flash, info.slot, 1)
		}
	}

	hash := itemHash(s.flash, namespaceIndex, key, chunkIndexNone)
	for _, p := range s.pages {
		if !p.mayContain(hash) {
			continue
		}
		for _, entry := range p.hashList {
			if entry.hash != hash {
				continue
			}
			it, err := p.loadItem(s.flash, entry.slot)
			if err != nil {
				return err
			}
			if it.namespaceIndex != namespaceIndex || it.key != key ||
				it.chunkIndex != chunkIndexNone || it.itemType != TypeBlobIndex {
				continue
			}
			_, _, chunkStart := it.blobIndexData()
			if versionOffsetOf(chunkStart) != versionOffsetOf(info.chunkStart) {
				continue
			}
			return p.eraseItem(s.flash, entry.slot, 1)
		}
	}
	return nil
}
