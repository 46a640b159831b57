package nvs

import (
	"errors"

	"github.com/espkv/nvs/flash"
)

// Open reads every sector of the partition at [offset, offset+size) and
// reconstructs the store state: namespaces, per-page hash caches, and any
// repair an interrupted earlier operation requires. Offset and size must be
// sector multiples and the partition is capped at 65535 sectors.
//
// An adapter failure during recovery fails the open itself.
func Open(offset, size uint32, f flash.Flash) (*Store, error) {
	if offset%SectorSize != 0 {
		return nil, ErrInvalidPartitionOffset
	}
	if size%SectorSize != 0 {
		return nil, ErrInvalidPartitionSize
	}
	sectors := int(size / SectorSize)
	if sectors > maxSectors {
		return nil, ErrInvalidPartitionSize
	}

	s := &Store{
		flash:       f,
		baseAddress: offset,
		sectors:     sectors,
		namespaces:  make(map[Key]byte),
	}

	if err := s.loadSectors(); err != nil {
		if errors.Is(err, ErrFlashError) {
			s.faulted = true
		}
		return nil, err
	}
	return s, nil
}

// latch marks the store faulted on adapter errors so subsequent mutations
// short-circuit until the store is reopened.
func (s *Store) latch(err error) error {
	if errors.Is(err, ErrFlashError) {
		s.faulted = true
	}
	return err
}

func (s *Store) mutable() error {
	if s.faulted {
		return ErrFlashError
	}
	return nil
}

// GetBool reads a boolean, stored as a u8 where any non-zero value is true.
func (s *Store) GetBool(namespace, key Key) (bool, error) {
	v, err := s.getPrimitive(namespace, key, TypeU8)
	if err != nil {
		return false, s.latch(err)
	}
	return byte(v) != 0, nil
}

func (s *Store) GetUint8(namespace, key Key) (uint8, error) {
	v, err := s.getPrimitive(namespace, key, TypeU8)
	return uint8(v), s.latch(err)
}

func (s *Store) GetUint16(namespace, key Key) (uint16, error) {
	v, err := s.getPrimitive(namespace, key, TypeU16)
	return uint16(v), s.latch(err)
}

func (s *Store) GetUint32(namespace, key Key) (uint32, error) {
	v, err := s.getPrimitive(namespace, key, TypeU32)
	return uint32(v), s.latch(err)
}

func (s *Store) GetUint64(namespace, key Key) (uint64, error) {
	v, err := s.getPrimitive(namespace, key, TypeU64)
	return v, s.latch(err)
}

func (s *Store) GetInt8(namespace, key Key) (int8, error) {
	v, err := s.getPrimitive(namespace, key, TypeI8)
	return int8(v), s.latch(err)
}

func (s *Store) GetInt16(namespace, key Key) (int16, error) {
	v, err := s.getPrimitive(namespace, key, TypeI16)
	return int16(v), s.latch(err)
}

func (s *Store) GetInt32(namespace, key Key) (int32, error) {
	v, err := s.getPrimitive(namespace, key, TypeI32)
	return int32(v), s.latch(err)
}

func (s *Store) GetInt64(namespace, key Key) (int64, error) {
	v, err := s.getPrimitive(namespace, key, TypeI64)
	return int64(v), s.latch(err)
}

// GetString reads a string value. The stored null terminator is stripped.
func (s *Store) GetString(namespace, key Key) (string, error) {
	v, err := s.getString(namespace, key)
	return v, s.latch(err)
}

// GetBytes reads a blob value.
func (s *Store) GetBytes(namespace, key Key) ([]byte, error) {
	v, err := s.getBlob(namespace, key)
	return v, s.latch(err)
}

func (s *Store) SetBool(namespace, key Key, value bool) error {
	var v uint64
	if value {
		v = 1
	}
	return s.setScalar(namespace, key, TypeU8, v)
}

func (s *Store) SetUint8(namespace, key Key, value uint8) error {
	return s.setScalar(namespace, key, TypeU8, uint64(value))
}

func (s *Store) SetUint16(namespace, key Key, value uint16) error {
	return s.setScalar(namespace, key, TypeU16, uint64(value))
}

func (s *Store) SetUint32(namespace, key Key, value uint32) error {
	return s.setScalar(namespace, key, TypeU32, uint64(value))
}

func (s *Store) SetUint64(namespace, key Key, value uint64) error {
	return s.setScalar(namespace, key, TypeU64, value)
}

func (s *Store) SetInt8(namespace, key Key, value int8) error {
	return s.setScalar(namespace, key, TypeI8, uint64(uint8(value)))
}

func (s *Store) SetInt16(namespace, key Key, value int16) error {
	return s.setScalar(namespace, key, TypeI16, uint64(uint16(value)))
}

func (s *Store) SetInt32(namespace, key Key, value int32) error {
	return s.setScalar(namespace, key, TypeI32, uint64(uint32(value)))
}

func (s *Store) SetInt64(namespace, key Key, value int64) error {
	return s.setScalar(namespace, key, TypeI64, uint64(value))
}

func (s *Store) setScalar(namespace, key Key, itemType ItemType, value uint64) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.latch(s.setPrimitive(namespace, key, itemType, value))
}

// SetString writes a string of at most 3999 bytes; it is stored
// null-terminated on a single page.
func (s *Store) SetString(namespace, key Key, value string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.latch(s.setString(namespace, key, value))
}

// SetBytes writes a blob of at most 508000 bytes, chunked across pages.
func (s *Store) SetBytes(namespace, key Key, value []byte) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.latch(s.setBlob(namespace, key, value))
}

// Delete removes a key. A missing key or namespace is not an error.
func (s *Store) Delete(namespace, key Key) error {
	if err := s.mutable(); err != nil {
		return err
	}

	if !key.terminated() {
		return ErrKeyMalformed
	}
	if !namespace.terminated() {
		return ErrNamespaceMalformed
	}

	namespaceIndex, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}

	err := s.deleteKey(namespaceIndex, key, chunkIndexNone)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	return s.latch(err)
}
