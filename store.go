package nvs

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"github.com/espkv/nvs/flash"
)

// Store is the partition engine. It owns the flash adapter, the ordered set
// of used page shadows (the active page, if any, last), a pool of free
// pages, and the namespace index. A Store is not safe for concurrent use;
// callers wanting multi-task access wrap it in their own mutex.
type Store struct {
	flash       flash.Flash
	baseAddress uint32
	sectors     int
	faulted     bool

	namespaces map[Key]byte
	pages      []*page
	freePages  []*page
}

// popActive removes and returns the last page if it is Active. The write
// path depends on the active page being last; recovery restores that
// invariant.
func (s *Store) popActive() *page {
	if n := len(s.pages); n > 0 && s.pages[n-1].state == pageStateActive {
		p := s.pages[n-1]
		s.pages = s.pages[:n-1]
		return p
	}
	return nil
}

func (s *Store) pushPage(p *page) {
	s.pages = append(s.pages, p)
}

func (s *Store) pushFree(p *page) {
	s.freePages = append(s.freePages, p)
}

// popFree prefers uninitialized pages, lowest address first, so corrupt
// sectors are only erased once everything else is in use.
func (s *Store) popFree() *page {
	best := -1
	for i, p := range s.freePages {
		if best == -1 {
			best = i
			continue
		}
		b := s.freePages[best]
		if p.state == pageStateUninitialized &&
			(b.state != pageStateUninitialized || p.address < b.address) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	p := s.freePages[best]
	s.freePages = append(s.freePages[:best], s.freePages[best+1:]...)
	return p
}

func (s *Store) nextSequence() uint32 {
	found := false
	var maxSeq uint32
	for _, p := range s.pages {
		if !found || p.sequence > maxSeq {
			maxSeq = p.sequence
			found = true
		}
	}
	if !found {
		return 0
	}
	return maxSeq + 1
}

// getActivePage returns the page new writes go to, allocating or
// defragmenting as needed. The returned page is detached from the page
// list; the caller pushes it back once done with it.
func (s *Store) getActivePage() (*page, error) {
	if p := s.popActive(); p != nil {
		return p, nil
	}

	// Only reclaim once the reserve is down to a single page.
	if len(s.freePages) == 1 && len(s.pages) > 0 {
		if err := s.defragment(); err != nil && !errors.Is(err, ErrFlashFull) {
			return nil, err
		}
	}

	if p := s.popActive(); p != nil {
		return p, nil
	}

	if len(s.freePages) == 0 {
		return nil, ErrFlashFull
	}
	// Keep one page in reserve so compaction can always make progress. A
	// single-sector partition has no compaction to protect, so it may use
	// its only page.
	if len(s.freePages) == 1 && s.sectors > 1 && len(s.pages) > 0 {
		return nil, ErrFlashFull
	}

	p := s.popFree()
	if p.state != pageStateUninitialized {
		if err := s.flash.Erase(p.address, p.address+SectorSize); err != nil {
			return nil, flashFailure(err)
		}
		p = newUninitializedPage(p.address)
	}

	if err := p.initialize(s.flash, s.nextSequence()); err != nil {
		return nil, err
	}
	return p, nil
}

// getOrCreateNamespace resolves the namespace index, assigning the next one
// and writing a namespace-definition entry to the given page if the name is
// new.
func (s *Store) getOrCreateNamespace(namespace Key, p *page) (byte, error) {
	if index, ok := s.namespaces[namespace]; ok {
		return index, nil
	}

	var next byte = 1
	for _, index := range s.namespaces {
		if index >= next {
			if index == MaxNamespaces {
				return 0, ErrFlashFull
			}
			next = index + 1
		}
	}

	if err := p.writeNamespace(s.flash, namespace, next); err != nil {
		return 0, err
	}
	s.namespaces[namespace] = next
	return next, nil
}

// findItem walks pages in storage order looking for the single Written
// entry matching (namespace, key, chunk index). For anything but a blob
// data chunk the chunk component is the 0xFF wildcard.
func (s *Store) findItem(namespaceIndex byte, chunkIndex byte, key Key) (pageIndex int, slot byte, it item, err error) {
	hash := itemHash(s.flash, namespaceIndex, key, chunkIndex)

	for pageIdx, p := range s.pages {
		if !p.mayContain(hash) {
			continue
		}
		for _, entry := range p.hashList {
			if entry.hash != hash {
				continue
			}

			candidate, err := p.loadItem(s.flash, entry.slot)
			if err != nil {
				return 0, 0, item{}, err
			}

			if candidate.namespaceIndex != namespaceIndex ||
				candidate.key != key ||
				candidate.chunkIndex != chunkIndex {
				continue
			}
			return pageIdx, entry.slot, candidate, nil
		}
	}

	return 0, 0, item{}, ErrKeyNotFound
}

// getPrimitive loads a scalar value as its raw little-endian bits.
func (s *Store) getPrimitive(namespace, key Key, itemType ItemType) (uint64, error) {
	if !key.terminated() {
		return 0, ErrKeyMalformed
	}
	if !namespace.terminated() {
		return 0, ErrNamespaceMalformed
	}

	namespaceIndex, ok := s.namespaces[namespace]
	if !ok {
		return 0, ErrNamespaceNotFound
	}

	_, _, it, err := s.findItem(namespaceIndex, chunkIndexNone, key)
	if err != nil {
		return 0, err
	}
	if it.itemType != itemType {
		return 0, &ItemTypeMismatchError{Found: it.itemType}
	}
	return it.primitiveU64(), nil
}

func (s *Store) getString(namespace, key Key) (string, error) {
	if !key.terminated() {
		return "", ErrKeyMalformed
	}
	if !namespace.terminated() {
		return "", ErrNamespaceMalformed
	}

	namespaceIndex, ok := s.namespaces[namespace]
	if !ok {
		return "", ErrNamespaceNotFound
	}

	pageIdx, slot, it, err := s.findItem(namespaceIndex, chunkIndexNone, key)
	if err != nil {
		return "", err
	}
	if it.itemType != TypeSized {
		return "", &ItemTypeMismatchError{Found: it.itemType}
	}

	data, err := s.pages[pageIdx].loadPayload(s.flash, slot, &it)
	if err != nil {
		return "", err
	}

	_, crc := it.sizedData()
	if crc != s.flash.Crc32(0xFFFFFFFF, data) {
		return "", ErrKeyNotFound
	}

	if len(data) == 0 || !utf8.Valid(data[:len(data)-1]) {
		return "", ErrCorruptedData
	}
	return string(data[:len(data)-1]), nil
}

func (s *Store) getBlob(namespace, key Key) ([]byte, error) {
	if !key.terminated() {
		return nil, ErrKeyMalformed
	}
	if !namespace.terminated() {
		return nil, ErrNamespaceMalformed
	}

	namespaceIndex, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrNamespaceNotFound
	}

	_, _, it, err := s.findItem(namespaceIndex, chunkIndexNone, key)
	if err != nil {
		return nil, err
	}
	if it.itemType != TypeBlobIndex {
		return nil, &ItemTypeMismatchError{Found: it.itemType}
	}

	size, chunkCount, chunkStart := it.blobIndexData()
	if size > MaxBlobSize {
		return nil, ErrCorruptedData
	}

	buf := make([]byte, size)
	offset := 0

	for chunk := chunkStart; chunk < chunkStart+chunkCount; chunk++ {
		if offset >= len(buf) {
			// Blob metadata is inconsistent, the chunk walk would run past
			// the declared size.
			return nil, ErrCorruptedData
		}

		pageIdx, slot, chunkItem, err := s.findItem(namespaceIndex, chunk, key)
		if err != nil {
			return nil, err
		}
		if chunkItem.itemType != TypeBlobData {
			return nil, &ItemTypeMismatchError{Found: chunkItem.itemType}
		}

		data, err := s.pages[pageIdx].loadPayload(s.flash, slot, &chunkItem)
		if err != nil {
			return nil, err
		}

		_, crc := chunkItem.sizedData()
		if crc != s.flash.Crc32(0xFFFFFFFF, data) {
			return nil, ErrCorruptedData
		}

		n := copy(buf[offset:], data)
		offset += n
	}

	return buf, nil
}

// setPrimitive writes a scalar. The new entry is written before the old one
// is erased; a crash in between is healed by duplicate elimination at open
// time.
func (s *Store) setPrimitive(namespace, key Key, itemType ItemType, value uint64) error {
	if !key.terminated() {
		return ErrKeyMalformed
	}
	if !namespace.terminated() {
		return ErrNamespaceMalformed
	}

	width, err := itemType.primitiveWidth()
	if err != nil {
		return err
	}
	raw := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for i := 0; i < width; i++ {
		raw[i] = byte(value >> (8 * i))
	}

	p, err := s.getActivePage()
	if err != nil {
		return err
	}
	namespaceIndex, err := s.getOrCreateNamespace(namespace, p)
	if err != nil {
		s.pushPage(p)
		return err
	}

	// Writing the namespace entry may have used the last slot.
	if p.isFull() {
		if err := p.markFull(s.flash); err != nil {
			return err
		}
		s.pushPage(p)
		if p, err = s.getActivePage(); err != nil {
			return err
		}
	}

	// The active page has to be in the list for findItem to consider it.
	s.pushPage(p)

	oldFound := false
	var oldPageIdx int
	var oldSlot byte
	switch oldPage, slot, old, err := s.findItem(namespaceIndex, chunkIndexNone, key); {
	case err == nil:
		if old.data == raw {
			return nil
		}
		oldFound, oldPageIdx, oldSlot = true, oldPage, slot
	case errors.Is(err, ErrFlashError):
		return err
	}

	p = s.popActive()

	if err := p.writeItem(s.flash, namespaceIndex, key, itemType, chunkIndexNone, raw); err != nil {
		s.pushPage(p)
		return err
	}

	// Push before erasing: the old entry's page index may refer to this
	// very page.
	s.pushPage(p)

	if oldFound {
		return s.pages[oldPageIdx].eraseItem(s.flash, oldSlot, 1)
	}
	return nil
}

// setString writes a null-terminated string payload as a single Sized item.
func (s *Store) setString(namespace, key Key, value string) error {
	if !key.terminated() {
		return ErrKeyMalformed
	}
	if !namespace.terminated() {
		return ErrNamespaceMalformed
	}

	if len(value)+1 > MaxBlobDataPerPage {
		return ErrValueTooLong
	}

	buf := make([]byte, 0, len(value)+1)
	buf = append(buf, value...)
	buf = append(buf, 0)

	oldFound := false
	if namespaceIndex, ok := s.namespaces[namespace]; ok {
		switch pageIdx, slot, old, err := s.findItem(namespaceIndex, chunkIndexNone, key); {
		case err == nil:
			if old.itemType == TypeSized {
				data, err := s.pages[pageIdx].loadPayload(s.flash, slot, &old)
				if err != nil {
					return err
				}
				_, crc := old.sizedData()
				if crc == s.flash.Crc32(0xFFFFFFFF, buf) && bytes.Equal(data, buf) {
					return nil
				}
			}
			oldFound = true
		case errors.Is(err, ErrFlashError):
			return err
		}
	}

	p, err := s.getActivePage()
	if err != nil {
		return err
	}
	namespaceIndex, err := s.getOrCreateNamespace(namespace, p)
	if err != nil {
		s.pushPage(p)
		return err
	}

	switch err := p.writeVariableSized(s.flash, namespaceIndex, key, TypeSized, chunkIndexNone, buf); {
	case err == nil:
	case errors.Is(err, errPageFull):
		if err := p.markFull(s.flash); err != nil {
			return err
		}
		s.pushPage(p)

		if p, err = s.getActivePage(); err != nil {
			return err
		}
		if err := p.writeVariableSized(s.flash, namespaceIndex, key, TypeSized, chunkIndexNone, buf); err != nil {
			s.pushPage(p)
			return err
		}
	default:
		s.pushPage(p)
		return err
	}

	s.pushPage(p)

	if oldFound {
		// Re-resolve instead of trusting the captured location: allocation
		// above may have defragmented. Pages hold older entries first, so
		// the lookup lands on the old copy, not the one just written.
		return s.deleteKey(namespaceIndex, key, chunkIndexNone)
	}
	return nil
}

// findExistingBlobVersion reports the version offset of the current blob
// under the key, if one exists.
func (s *Store) findExistingBlobVersion(namespace, key Key) (byte, bool) {
	namespaceIndex, ok := s.namespaces[namespace]
	if !ok {
		return 0, false
	}

	_, _, it, err := s.findItem(namespaceIndex, chunkIndexNone, key)
	if err != nil || it.itemType != TypeBlobIndex {
		return 0, false
	}
	_, _, chunkStart := it.blobIndexData()
	return versionOffsetOf(chunkStart), true
}

// blobEqual compares the stored blob against data by walking its chunks in
// reverse against the data suffix.
func (s *Store) blobEqual(namespaceIndex byte, key Key, blobItem *item, data []byte) (bool, error) {
	size, chunkCount, chunkStart := blobItem.blobIndexData()
	if size != len(data) {
		return false, nil
	}

	remaining := data
	for i := int(chunkCount) - 1; i >= 0; i-- {
		chunk := chunkStart + byte(i)

		pageIdx, slot, chunkItem, err := s.findItem(namespaceIndex, chunk, key)
		if err != nil {
			if errors.Is(err, ErrFlashError) {
				return false, err
			}
			return false, nil
		}
		if chunkItem.itemType != TypeBlobData {
			return false, nil
		}

		chunkSize, chunkCRC := chunkItem.sizedData()
		if chunkSize > len(remaining) {
			return false, nil
		}

		chunkData, err := s.pages[pageIdx].loadPayload(s.flash, slot, &chunkItem)
		if err != nil {
			return false, err
		}
		if chunkCRC != s.flash.Crc32(0xFFFFFFFF, chunkData) {
			return false, nil
		}

		offset := len(remaining) - chunkSize
		if !bytes.Equal(chunkData, remaining[offset:]) {
			return false, nil
		}
		remaining = remaining[:offset]
	}

	return len(remaining) == 0, nil
}

// setBlob streams a blob as BlobData chunks followed by a BlobIndex. New
// chunks go to the version-offset half not used by the existing blob, so
// both generations coexist until the new index lands; only then is the old
// blob deleted. A crash anywhere in between leaves the old blob intact.
func (s *Store) setBlob(namespace, key Key, data []byte) error {
	if !key.terminated() {
		return ErrKeyMalformed
	}
	if !namespace.terminated() {
		return ErrNamespaceMalformed
	}

	if len(data) > MaxBlobSize {
		return ErrValueTooLong
	}

	oldVersion, hasOldVersion := s.findExistingBlobVersion(namespace, key)

	if namespaceIndex, ok := s.namespaces[namespace]; ok {
		if _, _, it, err := s.findItem(namespaceIndex, chunkIndexNone, key); err == nil && it.itemType == TypeBlobIndex {
			equal, err := s.blobEqual(namespaceIndex, key, &it, data)
			if err != nil {
				return err
			}
			if equal {
				return nil
			}
		} else if err != nil && errors.Is(err, ErrFlashError) {
			return err
		}
	}

	p, err := s.getActivePage()
	if err != nil {
		return err
	}
	namespaceIndex, err := s.getOrCreateNamespace(namespace, p)
	if err != nil {
		s.pushPage(p)
		return err
	}
	s.pushPage(p)

	versionBase := byte(versionOffsetV0)
	if hasOldVersion {
		versionBase = invertVersionOffset(oldVersion)
	}

	var chunkCount byte
	offset := 0

	for offset < len(data) {
		p, err := s.getActivePage()
		if err != nil {
			return err
		}

		// A chunk needs at least a header slot and one data slot.
		free := p.freeEntryCount()
		if free <= 1 {
			if err := p.markFull(s.flash); err != nil {
				return err
			}
			s.pushPage(p)
			continue
		}

		dataLen := (free - 1) * entrySize
		if dataLen > len(data)-offset {
			dataLen = len(data) - offset
		}

		switch err := p.writeVariableSized(s.flash, namespaceIndex, key, TypeBlobData, versionBase+chunkCount, data[offset:offset+dataLen]); {
		case err == nil:
			offset += dataLen
			chunkCount++
			s.pushPage(p)
		case errors.Is(err, errPageFull):
			if err := p.markFull(s.flash); err != nil {
				return err
			}
			s.pushPage(p)
		default:
			s.pushPage(p)
			return err
		}
	}

	p, err = s.getActivePage()
	if err != nil {
		return err
	}
	indexItem := item{}
	indexItem.setBlobIndexData(len(data), chunkCount, versionBase)
	if err := p.writeItem(s.flash, namespaceIndex, key, TypeBlobIndex, chunkIndexNone, indexItem.data); err != nil {
		s.pushPage(p)
		return err
	}
	s.pushPage(p)

	// The old index sits on an earlier page or in an earlier slot of this
	// one, so the lookup inside deleteKey finds it before the entry just
	// written.
	if hasOldVersion {
		return s.deleteKey(namespaceIndex, key, chunkIndexNone)
	}
	return nil
}

// deleteKey erases the entry matching the chunk policy. Erasing a BlobIndex
// cascades to every data chunk of its version.
func (s *Store) deleteKey(namespaceIndex byte, key Key, chunkIndex byte) error {
	pageIdx, slot, it, err := s.findItem(namespaceIndex, chunkIndex, key)
	if err != nil {
		return err
	}

	if err := s.pages[pageIdx].eraseItem(s.flash, slot, it.span); err != nil {
		return err
	}

	if it.itemType == TypeBlobIndex {
		_, _, chunkStart := it.blobIndexData()
		return s.deleteBlobData(it.namespaceIndex, key, versionOffsetOf(chunkStart))
	}
	return nil
}

// deleteBlobData erases every data chunk of one blob version. Missing
// chunks are skipped: a previous partial delete may already have removed
// some.
func (s *Store) deleteBlobData(namespaceIndex byte, key Key, versionBase byte) error {
	for i := 0; i < versionOffsetV1-1; i++ {
		err := s.deleteKey(namespaceIndex, key, versionBase+byte(i))
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// defragment reclaims the page with the most erased slots, with an age bias
// so old pages get rewritten eventually: coarse wear leveling.
func (s *Store) defragment() error {
	nextSeq := s.nextSequence()

	best := -1
	var bestPoints uint32
	for idx, p := range s.pages {
		var points uint32
		if p.erasedEntries > 0 {
			points = uint32(p.erasedEntries)*10 + (nextSeq - p.sequence)
		}
		if best == -1 || points > bestPoints {
			best = idx
			bestPoints = points
		}
	}
	if best == -1 {
		return ErrFlashFull
	}

	// Swap-remove is safe here: defragment only runs when no page is
	// active, so the ordering invariant has nothing to preserve.
	victim := s.pages[best]
	s.pages[best] = s.pages[len(s.pages)-1]
	s.pages = s.pages[:len(s.pages)-1]

	if victim.state == pageStateFull && victim.erasedEntries != EntriesPerPage {
		if err := s.freePage(victim, nextSeq); err != nil {
			return err
		}
	}

	return s.erasePage(victim)
}

// erasePage reclaims a page that holds no live entries.
func (s *Store) erasePage(p *page) error {
	if err := s.flash.Erase(p.address, p.address+SectorSize); err != nil {
		return flashFailure(err)
	}
	s.pushFree(newUninitializedPage(p.address))
	return nil
}

// freePage moves every live item off the victim onto a fresh page. The
// victim is marked Freeing first so an interrupted copy is recognized and
// resumed at the next open.
func (s *Store) freePage(source *page, nextSequence uint32) error {
	if err := source.markFreeing(s.flash); err != nil {
		return err
	}

	target := s.popFree()
	if target == nil {
		return ErrFlashFull
	}
	if target.state != pageStateUninitialized {
		if err := s.flash.Erase(target.address, target.address+SectorSize); err != nil {
			return flashFailure(err)
		}
		target = newUninitializedPage(target.address)
	}
	if err := target.initialize(s.flash, nextSequence); err != nil {
		return err
	}

	return s.copyItems(source, target)
}

// copyItems copies every Written item from source to target and pushes the
// target into the page list. If the target already holds a prefix of the
// source (an interrupted earlier copy), everything up to and including the
// last item already present is skipped.
func (s *Store) copyItems(source, target *page) error {
	var lastCopied *item
	var maxSlot byte
	found := false
	for _, entry := range target.hashList {
		if !found || entry.slot > maxSlot {
			maxSlot = entry.slot
			found = true
		}
	}
	if found {
		it, err := target.loadItem(s.flash, maxSlot)
		if err != nil {
			return err
		}
		lastCopied = &it
	}

	// The written set holds header and payload slots alike; advancing by
	// span lands each iteration on the next item header.
	for next := uint(0); ; {
		slot, ok := source.written.NextSet(next)
		if !ok {
			break
		}

		it, err := source.loadItem(s.flash, byte(slot))
		if err != nil {
			return err
		}

		span := uint(it.span)
		if span < 1 {
			span = 1
		}

		if lastCopied != nil {
			if it.equal(lastCopied) {
				// Found the resume point, everything after it still needs
				// to be copied.
				lastCopied = nil
			}
			next = slot + span
			continue
		}

		switch it.itemType {
		case TypeU8, TypeI8, TypeU16, TypeI16, TypeU32, TypeI32, TypeU64, TypeI64, TypeBlobIndex:
			if err := target.writeItem(s.flash, it.namespaceIndex, it.key, it.itemType, it.chunkIndex, it.data); err != nil {
				return err
			}
		case TypeSized, TypeBlobData:
			data, err := source.loadPayload(s.flash, byte(slot), &it)
			if err != nil {
				return err
			}
			if err := target.writeVariableSized(s.flash, it.namespaceIndex, it.key, it.itemType, it.chunkIndex, data); err != nil {
				return err
			}
		case TypeBlob:
			// Legacy single-span blobs are read-only and not carried over.
		}

		next = slot + span
	}

	s.pushPage(target)
	return nil
}
