package flash

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"
)

func TestNewMemFlashIsErased(t *testing.T) {
	f := NewMemFlash(2)

	if len(f.Data()) != 2*4096 {
		t.Fatal("expected 8192 bytes", "got", len(f.Data()))
	}

	for i, b := range f.Data() {
		if b != 0xFF {
			t.Fatalf("byte %d not erased: %#x", i, b)
		}
	}
}

func TestWriteOnlyClearsBits(t *testing.T) {
	f := NewMemFlash(1)

	if err := f.Write(0, []byte{0xF0, 0x0F, 0xAA, 0x55}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if err := f.Read(0, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0xF0, 0x0F, 0xAA, 0x55}) {
		t.Fatal("read back mismatch", buf)
	}

	// Clearing more bits of an already-written word is fine.
	if err := f.Write(0, []byte{0xE0, 0x0F, 0xAA, 0x55}); err != nil {
		t.Fatal(err)
	}

	// Flipping a bit back to 1 is not.
	err := f.Write(0, []byte{0xF0, 0x0F, 0xAA, 0x55})
	if !errors.Is(err, ErrBitTransition) {
		t.Fatal("expected ErrBitTransition", "got", err)
	}
}

func TestWriteAlignment(t *testing.T) {
	f := NewMemFlash(1)

	if err := f.Write(2, []byte{0, 0, 0, 0}); !errors.Is(err, ErrUnaligned) {
		t.Fatal("expected ErrUnaligned for offset", "got", err)
	}
	if err := f.Write(0, []byte{0, 0}); !errors.Is(err, ErrUnaligned) {
		t.Fatal("expected ErrUnaligned for length", "got", err)
	}
}

func TestEraseResetsSector(t *testing.T) {
	f := NewMemFlash(2)

	if err := f.Write(4096, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := f.Erase(4096, 8192); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if err := f.Read(4096, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatal("sector not erased", buf)
	}
}

func TestEraseRejectsPartialSector(t *testing.T) {
	f := NewMemFlash(1)

	if err := f.Erase(0, 100); !errors.Is(err, ErrUnaligned) {
		t.Fatal("expected ErrUnaligned", "got", err)
	}
}

func TestOutOfBounds(t *testing.T) {
	f := NewMemFlash(1)

	if err := f.Write(4096, []byte{0, 0, 0, 0}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatal("expected ErrOutOfBounds", "got", err)
	}
	if err := f.Read(4092, make([]byte, 8)); !errors.Is(err, ErrOutOfBounds) {
		t.Fatal("expected ErrOutOfBounds", "got", err)
	}
}

func TestFaultInjection(t *testing.T) {
	f := NewMemFlash(1)
	f.FailAfter(2)

	word := []byte{0, 0, 0, 0}
	if err := f.Write(0, word); err != nil {
		t.Fatal("first write should succeed", err)
	}
	if err := f.Write(4, word); err != nil {
		t.Fatal("second write should succeed", err)
	}
	if err := f.Write(8, word); !errors.Is(err, ErrInjectedFault) {
		t.Fatal("expected ErrInjectedFault", "got", err)
	}
	// The fault latches.
	if err := f.Erase(0, 4096); !errors.Is(err, ErrInjectedFault) {
		t.Fatal("expected latched fault", "got", err)
	}

	f.ClearFault()
	if err := f.Write(12, word); err != nil {
		t.Fatal("write after ClearFault should succeed", err)
	}
}

func TestOpsCounter(t *testing.T) {
	f := NewMemFlash(1)

	before := f.Ops()
	_ = f.Write(0, []byte{0, 0, 0, 0})
	_ = f.Erase(0, 4096)
	if f.Ops()-before != 2 {
		t.Fatal("expected 2 ops", "got", f.Ops()-before)
	}
}

func TestWriteAlignedPadsTrailer(t *testing.T) {
	f := NewMemFlash(1)

	if err := WriteAligned(f, 0, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	if err := f.Read(0, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 5, 6, 0xFF, 0xFF}) {
		t.Fatal("unexpected padded write", buf)
	}
}

func TestWriteAlignedSkipsAllOnesTrailer(t *testing.T) {
	f := NewMemFlash(1)

	before := f.Ops()
	if err := WriteAligned(f, 0, []byte{1, 2, 3, 4, 0xFF, 0xFF}); err != nil {
		t.Fatal(err)
	}
	if f.Ops()-before != 1 {
		t.Fatal("expected the all-ones trailer to be skipped", "ops", f.Ops()-before)
	}
}

func TestCrc32MatchesChainedIEEE(t *testing.T) {
	f := NewMemFlash(1)

	data := []byte("the quick brown fox")

	// A single-shot CRC over the whole buffer equals chained updates over
	// its halves.
	whole := f.Crc32(0xFFFFFFFF, data)
	chained := f.Crc32(f.Crc32(0xFFFFFFFF, data[:7]), data[7:])
	if whole != chained {
		t.Fatalf("chaining broken: %#x != %#x", whole, chained)
	}

	// With init 0 the primitive degenerates to the plain IEEE checksum.
	if f.Crc32(0, data) != crc32.ChecksumIEEE(data) {
		t.Fatalf("init 0 should match ChecksumIEEE: %#x != %#x", f.Crc32(0, data), crc32.ChecksumIEEE(data))
	}
}
