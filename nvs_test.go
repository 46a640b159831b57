package nvs

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/espkv/nvs/flash"
)

func openStore(t *testing.T, sectors int) (*Store, *flash.MemFlash) {
	t.Helper()

	f := flash.NewMemFlash(sectors)
	s, err := Open(0, uint32(sectors*SectorSize), f)
	if err != nil {
		t.Fatal("failed to open store", err)
	}
	return s, f
}

func reopen(t *testing.T, f *flash.MemFlash) *Store {
	t.Helper()

	f.ClearFault()
	s, err := Open(0, uint32(len(f.Data())), f)
	if err != nil {
		t.Fatal("failed to reopen store", err)
	}
	return s
}

func mustKey(t *testing.T, s string) Key {
	t.Helper()

	k, err := NewKey(s)
	if err != nil {
		t.Fatal("bad test key", s, err)
	}
	return k
}

func TestOpenValidation(t *testing.T) {
	f := flash.NewMemFlash(2)

	if _, err := Open(100, SectorSize, f); !errors.Is(err, ErrInvalidPartitionOffset) {
		t.Fatal("expected ErrInvalidPartitionOffset", "got", err)
	}
	if _, err := Open(0, SectorSize+1, f); !errors.Is(err, ErrInvalidPartitionSize) {
		t.Fatal("expected ErrInvalidPartitionSize", "got", err)
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	s, f := openStore(t, 4)
	ns := mustKey(t, "types")

	if err := s.SetBool(ns, mustKey(t, "bool"), true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint8(ns, mustKey(t, "u8"), 0xAB); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint16(ns, mustKey(t, "u16"), 0xABCD); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint32(ns, mustKey(t, "u32"), 0xABCDEF01); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint64(ns, mustKey(t, "u64"), 0xABCDEF0123456789); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInt8(ns, mustKey(t, "i8"), -100); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInt16(ns, mustKey(t, "i16"), -30000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInt32(ns, mustKey(t, "i32"), -2000000000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInt64(ns, mustKey(t, "i64"), -9000000000000000000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetString(ns, mustKey(t, "str"), "héllo wörld"); err != nil {
		t.Fatal(err)
	}
	blob := bytes.Repeat([]byte{0xA5, 0x00, 0xFF}, 1500)
	if err := s.SetBytes(ns, mustKey(t, "blob"), blob); err != nil {
		t.Fatal(err)
	}

	// Everything must survive a reopen.
	s = reopen(t, f)

	if v, err := s.GetBool(ns, mustKey(t, "bool")); err != nil || !v {
		t.Fatal("bool", v, err)
	}
	if v, err := s.GetUint8(ns, mustKey(t, "u8")); err != nil || v != 0xAB {
		t.Fatal("u8", v, err)
	}
	if v, err := s.GetUint16(ns, mustKey(t, "u16")); err != nil || v != 0xABCD {
		t.Fatal("u16", v, err)
	}
	if v, err := s.GetUint32(ns, mustKey(t, "u32")); err != nil || v != 0xABCDEF01 {
		t.Fatal("u32", v, err)
	}
	if v, err := s.GetUint64(ns, mustKey(t, "u64")); err != nil || v != 0xABCDEF0123456789 {
		t.Fatal("u64", v, err)
	}
	if v, err := s.GetInt8(ns, mustKey(t, "i8")); err != nil || v != -100 {
		t.Fatal("i8", v, err)
	}
	if v, err := s.GetInt16(ns, mustKey(t, "i16")); err != nil || v != -30000 {
		t.Fatal("i16", v, err)
	}
	if v, err := s.GetInt32(ns, mustKey(t, "i32")); err != nil || v != -2000000000 {
		t.Fatal("i32", v, err)
	}
	if v, err := s.GetInt64(ns, mustKey(t, "i64")); err != nil || v != -9000000000000000000 {
		t.Fatal("i64", v, err)
	}
	if v, err := s.GetString(ns, mustKey(t, "str")); err != nil || v != "héllo wörld" {
		t.Fatal("str", v, err)
	}
	if v, err := s.GetBytes(ns, mustKey(t, "blob")); err != nil || !bytes.Equal(v, blob) {
		t.Fatal("blob", len(v), err)
	}
}

func TestLastSetWins(t *testing.T) {
	s, f := openStore(t, 3)
	ns, key := mustKey(t, "ns"), mustKey(t, "counter")

	for i := uint32(0); i < 50; i++ {
		if err := s.SetUint32(ns, key, i); err != nil {
			t.Fatal("set", i, err)
		}
	}

	if v, err := s.GetUint32(ns, key); err != nil || v != 49 {
		t.Fatal("expected 49", "got", v, err)
	}

	s = reopen(t, f)
	if v, err := s.GetUint32(ns, key); err != nil || v != 49 {
		t.Fatal("expected 49 after reopen", "got", v, err)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := openStore(t, 2)
	ns, key := mustKey(t, "ns"), mustKey(t, "k")

	if _, err := s.GetUint8(ns, key); !errors.Is(err, ErrNamespaceNotFound) {
		t.Fatal("expected ErrNamespaceNotFound", "got", err)
	}

	if err := s.SetUint8(ns, mustKey(t, "other"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetUint8(ns, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatal("expected ErrKeyNotFound", "got", err)
	}
}

func TestTypeMismatch(t *testing.T) {
	s, _ := openStore(t, 2)
	ns, key := mustKey(t, "ns"), mustKey(t, "k")

	if err := s.SetUint8(ns, key, 1); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetUint16(ns, key)
	var mismatch *ItemTypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatal("expected ItemTypeMismatchError", "got", err)
	}
	if mismatch.Found != TypeU8 {
		t.Fatal("expected found type u8", "got", mismatch.Found)
	}
}

func TestMalformedInputs(t *testing.T) {
	s, _ := openStore(t, 2)

	var unterminated Key
	for i := range unterminated {
		unterminated[i] = 'x'
	}
	ns := mustKey(t, "ns")

	if err := s.SetUint8(ns, unterminated, 1); !errors.Is(err, ErrKeyMalformed) {
		t.Fatal("expected ErrKeyMalformed", "got", err)
	}
	if err := s.SetUint8(unterminated, mustKey(t, "k"), 1); !errors.Is(err, ErrNamespaceMalformed) {
		t.Fatal("expected ErrNamespaceMalformed", "got", err)
	}
	if _, err := s.GetUint8(ns, unterminated); !errors.Is(err, ErrKeyMalformed) {
		t.Fatal("expected ErrKeyMalformed on get", "got", err)
	}
	if err := s.Delete(unterminated, mustKey(t, "k")); !errors.Is(err, ErrNamespaceMalformed) {
		t.Fatal("expected ErrNamespaceMalformed on delete", "got", err)
	}
}

func TestDelete(t *testing.T) {
	s, f := openStore(t, 3)
	ns, key := mustKey(t, "ns"), mustKey(t, "k")

	// Deleting in an unknown namespace or a missing key is a no-op.
	if err := s.Delete(ns, key); err != nil {
		t.Fatal("delete in unknown namespace", err)
	}

	if err := s.SetString(ns, key, "value"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ns, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetString(ns, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatal("expected ErrKeyNotFound", "got", err)
	}

	s = reopen(t, f)
	if _, err := s.GetString(ns, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatal("expected ErrKeyNotFound after reopen", "got", err)
	}
}

func TestDeleteBlobRemovesChunks(t *testing.T) {
	s, _ := openStore(t, 4)
	ns, key := mustKey(t, "ns"), mustKey(t, "blob")

	if err := s.SetBytes(ns, key, bytes.Repeat([]byte{7}, 6000)); err != nil {
		t.Fatal(err)
	}

	written := writtenEntries(t, s)

	if err := s.Delete(ns, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBytes(ns, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatal("expected ErrKeyNotFound", "got", err)
	}

	// Index plus both chunks are gone; only the namespace entry remains.
	remaining := writtenEntries(t, s)
	if remaining != 1 {
		t.Fatal("expected only the namespace entry", "had", written, "now", remaining)
	}
}

func writtenEntries(t *testing.T, s *Store) uint32 {
	t.Helper()

	stats, err := s.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	return stats.EntriesOverall.Written
}

func TestIdempotentSets(t *testing.T) {
	s, f := openStore(t, 4)
	ns := mustKey(t, "ns")
	blob := bytes.Repeat([]byte{1, 2, 3}, 2000)

	if err := s.SetUint32(ns, mustKey(t, "num"), 42); err != nil {
		t.Fatal(err)
	}
	if err := s.SetString(ns, mustKey(t, "str"), "same"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBytes(ns, mustKey(t, "blob"), blob); err != nil {
		t.Fatal(err)
	}

	snapshot := append([]byte(nil), f.Data()...)

	if err := s.SetUint32(ns, mustKey(t, "num"), 42); err != nil {
		t.Fatal(err)
	}
	if err := s.SetString(ns, mustKey(t, "str"), "same"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBytes(ns, mustKey(t, "blob"), blob); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(snapshot, f.Data()) {
		t.Fatal("idempotent sets must leave the flash byte-identical")
	}
}

func TestStringBoundaries(t *testing.T) {
	s, _ := openStore(t, 4)
	ns := mustKey(t, "ns")

	// 3999 bytes plus the null terminator fill 4000 exactly.
	ok := string(bytes.Repeat([]byte{'a'}, MaxBlobDataPerPage-1))
	if err := s.SetString(ns, mustKey(t, "max"), ok); err != nil {
		t.Fatal("4000-byte payload should be accepted", err)
	}
	if v, err := s.GetString(ns, mustKey(t, "max")); err != nil || v != ok {
		t.Fatal("read back of max string failed", len(v), err)
	}

	long := string(bytes.Repeat([]byte{'a'}, MaxBlobDataPerPage))
	if err := s.SetString(ns, mustKey(t, "over"), long); !errors.Is(err, ErrValueTooLong) {
		t.Fatal("expected ErrValueTooLong", "got", err)
	}
}

func TestBlobTooLong(t *testing.T) {
	s, _ := openStore(t, 2)
	ns := mustKey(t, "ns")

	if err := s.SetBytes(ns, mustKey(t, "big"), make([]byte, MaxBlobSize+1)); !errors.Is(err, ErrValueTooLong) {
		t.Fatal("expected ErrValueTooLong", "got", err)
	}
}

func TestMaxSizeBlob(t *testing.T) {
	if testing.Short() {
		t.Skip("large partition")
	}

	s, f := openStore(t, 140)
	ns, key := mustKey(t, "ns"), mustKey(t, "huge")

	blob := make([]byte, MaxBlobSize)
	for i := range blob {
		blob[i] = byte(i * 31)
	}

	if err := s.SetBytes(ns, key, blob); err != nil {
		t.Fatal("max-size blob should be accepted", err)
	}
	if v, err := s.GetBytes(ns, key); err != nil || !bytes.Equal(v, blob) {
		t.Fatal("max-size blob read back failed", len(v), err)
	}

	s = reopen(t, f)
	if v, err := s.GetBytes(ns, key); err != nil || !bytes.Equal(v, blob) {
		t.Fatal("max-size blob lost on reopen", len(v), err)
	}
}

func TestEmptyValues(t *testing.T) {
	s, f := openStore(t, 3)
	ns := mustKey(t, "ns")

	if err := s.SetString(ns, mustKey(t, "empty"), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBytes(ns, mustKey(t, "blob"), nil); err != nil {
		t.Fatal(err)
	}

	s = reopen(t, f)
	if v, err := s.GetString(ns, mustKey(t, "empty")); err != nil || v != "" {
		t.Fatal("empty string", v, err)
	}
	if v, err := s.GetBytes(ns, mustKey(t, "blob")); err != nil || len(v) != 0 {
		t.Fatal("empty blob", v, err)
	}
}

func TestSinglePagePartition(t *testing.T) {
	s, f := openStore(t, 1)
	ns := mustKey(t, "ns")

	// One namespace entry plus 125 values fill the only page.
	for i := 0; i < EntriesPerPage-1; i++ {
		if err := s.SetUint8(ns, mustKey(t, fmt.Sprintf("key%03d", i)), byte(i)); err != nil {
			t.Fatal("set", i, err)
		}
	}

	if err := s.SetUint8(ns, mustKey(t, "straw"), 1); !errors.Is(err, ErrFlashFull) {
		t.Fatal("expected ErrFlashFull", "got", err)
	}

	// Everything written is still readable, also after reopening.
	s = reopen(t, f)
	for i := 0; i < EntriesPerPage-1; i++ {
		v, err := s.GetUint8(ns, mustKey(t, fmt.Sprintf("key%03d", i)))
		if err != nil || v != byte(i) {
			t.Fatal("read back", i, v, err)
		}
	}
}

func TestPageRollover(t *testing.T) {
	s, f := openStore(t, 4)
	ns := mustKey(t, "ns")

	for i := 0; i < 200; i++ {
		if err := s.SetUint16(ns, mustKey(t, fmt.Sprintf("key%03d", i)), uint16(i)); err != nil {
			t.Fatal("set", i, err)
		}
	}

	s = reopen(t, f)
	for i := 0; i < 200; i++ {
		v, err := s.GetUint16(ns, mustKey(t, fmt.Sprintf("key%03d", i)))
		if err != nil || v != uint16(i) {
			t.Fatal("read back", i, v, err)
		}
	}
}

func TestDefragmentationReclaimsErasedSlots(t *testing.T) {
	s, f := openStore(t, 3)
	ns := mustKey(t, "ns")

	for i := 0; i < 62; i++ {
		if err := s.SetUint32(ns, mustKey(t, fmt.Sprintf("key%02d", i)), uint32(i)); err != nil {
			t.Fatal("set", i, err)
		}
	}

	// Far more overwrites than the raw capacity of the partition: only
	// compaction of erased slots keeps this going.
	hot := mustKey(t, "key00")
	for i := uint32(0); i < 600; i++ {
		if err := s.SetUint32(ns, hot, i); err != nil {
			t.Fatal("overwrite", i, err)
		}
	}

	if v, err := s.GetUint32(ns, hot); err != nil || v != 599 {
		t.Fatal("expected 599", "got", v, err)
	}

	s = reopen(t, f)
	for i := 1; i < 62; i++ {
		v, err := s.GetUint32(ns, mustKey(t, fmt.Sprintf("key%02d", i)))
		if err != nil || v != uint32(i) {
			t.Fatal("cold key lost", i, v, err)
		}
	}
}

func TestNamespaceLimit(t *testing.T) {
	s, _ := openStore(t, 8)
	key := mustKey(t, "k")

	for i := 0; i < MaxNamespaces; i++ {
		ns := mustKey(t, fmt.Sprintf("ns%03d", i))
		if err := s.SetUint8(ns, key, byte(i)); err != nil {
			t.Fatal("namespace", i, err)
		}
	}

	if err := s.SetUint8(mustKey(t, "onetoomany"), key, 1); !errors.Is(err, ErrFlashFull) {
		t.Fatal("expected ErrFlashFull for namespace 256", "got", err)
	}
}

func TestStatisticsConsistency(t *testing.T) {
	s, _ := openStore(t, 4)
	ns := mustKey(t, "ns")

	for i := 0; i < 10; i++ {
		if err := s.SetUint8(ns, mustKey(t, fmt.Sprintf("k%d", i)), byte(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetString(ns, mustKey(t, "str"), "0123456789abcdef0123456789abcdef0123"); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Statistics()
	if err != nil {
		t.Fatal(err)
	}

	// 1 namespace + 10 scalars + string (1 header + 2 data slots).
	if stats.EntriesOverall.Written != 14 {
		t.Fatal("expected 14 written entries", "got", stats.EntriesOverall.Written)
	}
	if stats.Pages.Active != 1 {
		t.Fatal("expected exactly one active page", "got", stats.Pages.Active)
	}
	if got := len(stats.EntriesPerPage); got != 4 {
		t.Fatal("expected one stats row per sector", "got", got)
	}

	var sum uint32
	for _, page := range stats.EntriesPerPage {
		sum += page.Written
	}
	if sum != stats.EntriesOverall.Written {
		t.Fatal("per-page sums must match overall", sum, stats.EntriesOverall.Written)
	}
}

func TestFaultLatch(t *testing.T) {
	s, f := openStore(t, 2)
	ns, key := mustKey(t, "ns"), mustKey(t, "k")

	if err := s.SetUint8(ns, key, 1); err != nil {
		t.Fatal(err)
	}

	f.FailAfter(0)
	if err := s.SetUint8(ns, key, 2); !errors.Is(err, ErrFlashError) {
		t.Fatal("expected ErrFlashError", "got", err)
	}

	// The store stays faulted even after the adapter recovers.
	f.ClearFault()
	if err := s.SetUint8(ns, key, 3); !errors.Is(err, ErrFlashError) {
		t.Fatal("expected latched ErrFlashError", "got", err)
	}
	if _, err := s.Statistics(); !errors.Is(err, ErrFlashError) {
		t.Fatal("expected latched ErrFlashError from statistics", "got", err)
	}

	// Reopening recovers.
	s = reopen(t, f)
	if v, err := s.GetUint8(ns, key); err != nil || v != 1 {
		t.Fatal("expected the old value to survive", v, err)
	}
}

func TestReopenIsStable(t *testing.T) {
	s, f := openStore(t, 3)
	ns := mustKey(t, "ns")

	for i := 0; i < 40; i++ {
		if err := s.SetUint8(ns, mustKey(t, fmt.Sprintf("k%02d", i)), byte(i)); err != nil {
			t.Fatal(err)
		}
	}

	// A clean reopen must not rewrite anything.
	snapshot := append([]byte(nil), f.Data()...)
	reopen(t, f)
	if !bytes.Equal(snapshot, f.Data()) {
		t.Fatal("reopen of a consistent partition must not modify flash")
	}
}
