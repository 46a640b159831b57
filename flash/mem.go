package flash

import (
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrInjectedFault is returned by a MemFlash once its fault countdown hits
// zero. Every subsequent mutating operation keeps failing until ClearFault.
var ErrInjectedFault = errors.New("injected flash fault")

const defaultSectorSize = 4096

// MemFlash simulates a NOR flash in memory. It enforces the device rules the
// engine depends on (write alignment, 1-to-0 bit transitions, sector-granular
// erase) and supports deterministic fault injection for crash tests.
type MemFlash struct {
	data       []byte
	readSize   int
	writeSize  int
	sectorSize int

	ops          int
	opsUntilFail int // -1 = no fault armed
	faulted      bool
}

type MemFlashOption func(f *MemFlash)

func WithReadSize(n int) MemFlashOption {
	return func(f *MemFlash) { f.readSize = n }
}

func WithWriteSize(n int) MemFlashOption {
	return func(f *MemFlash) { f.writeSize = n }
}

// NewMemFlash creates a simulated flash of the given number of 4096-byte
// sectors, fully erased. Defaults mimic an ESP32 SPI flash: byte reads,
// 4-byte writes.
func NewMemFlash(sectors int, options ...MemFlashOption) *MemFlash {
	f := &MemFlash{
		data:         make([]byte, sectors*defaultSectorSize),
		readSize:     1,
		writeSize:    4,
		sectorSize:   defaultSectorSize,
		opsUntilFail: -1,
	}
	for i := range f.data {
		f.data[i] = 0xFF
	}

	for _, option := range options {
		option(f)
	}

	return f
}

// NewMemFlashFromData wraps an existing partition image. The slice is used
// directly, not copied.
func NewMemFlashFromData(data []byte, options ...MemFlashOption) *MemFlash {
	f := &MemFlash{
		data:         data,
		readSize:     1,
		writeSize:    4,
		sectorSize:   defaultSectorSize,
		opsUntilFail: -1,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

func (f *MemFlash) ReadSize() int  { return f.readSize }
func (f *MemFlash) WriteSize() int { return f.writeSize }
func (f *MemFlash) EraseSize() int { return f.sectorSize }

// Data exposes the backing image, e.g. to persist it or to reopen it after a
// simulated power loss.
func (f *MemFlash) Data() []byte { return f.data }

// Clone copies the flash contents into a fresh, fault-free MemFlash.
func (f *MemFlash) Clone() *MemFlash {
	data := make([]byte, len(f.data))
	copy(data, f.data)
	c := NewMemFlashFromData(data)
	c.readSize = f.readSize
	c.writeSize = f.writeSize
	return c
}

// FailAfter arms the fault countdown: n more mutating operations (writes and
// erases) succeed, then every following one fails with ErrInjectedFault.
func (f *MemFlash) FailAfter(n int) {
	f.opsUntilFail = n
	f.faulted = false
}

// ClearFault disarms fault injection, simulating a device power cycle.
func (f *MemFlash) ClearFault() {
	f.opsUntilFail = -1
	f.faulted = false
}

// Faulted reports whether the injected fault has fired.
func (f *MemFlash) Faulted() bool { return f.faulted }

// Ops counts the mutating operations (writes and erases) performed so far.
// Crash tests run an operation once to learn its op count, then replay it
// with FailAfter at every intermediate point.
func (f *MemFlash) Ops() int { return f.ops }

func (f *MemFlash) countdown() error {
	if f.faulted {
		return ErrInjectedFault
	}
	if f.opsUntilFail == 0 {
		f.faulted = true
		return ErrInjectedFault
	}
	if f.opsUntilFail > 0 {
		f.opsUntilFail--
	}
	f.ops++
	return nil
}

func (f *MemFlash) Read(offset uint32, buf []byte) error {
	if int(offset)%f.readSize != 0 || len(buf)%f.readSize != 0 {
		return ErrUnaligned
	}
	if int(offset)+len(buf) > len(f.data) {
		return fmt.Errorf("%w: read [%d, %d) of %d", ErrOutOfBounds, offset, int(offset)+len(buf), len(f.data))
	}
	copy(buf, f.data[offset:int(offset)+len(buf)])
	return nil
}

func (f *MemFlash) Write(offset uint32, data []byte) error {
	if int(offset)%f.writeSize != 0 || len(data)%f.writeSize != 0 {
		return ErrUnaligned
	}
	if int(offset)+len(data) > len(f.data) {
		return fmt.Errorf("%w: write [%d, %d) of %d", ErrOutOfBounds, offset, int(offset)+len(data), len(f.data))
	}
	if err := f.countdown(); err != nil {
		return err
	}

	for i, b := range data {
		old := f.data[int(offset)+i]
		if b&^old != 0 {
			return fmt.Errorf("%w: offset %d", ErrBitTransition, int(offset)+i)
		}
		f.data[int(offset)+i] = old & b
	}
	return nil
}

func (f *MemFlash) Erase(from, to uint32) error {
	if int(from)%f.sectorSize != 0 || int(to)%f.sectorSize != 0 || from > to {
		return ErrUnaligned
	}
	if int(to) > len(f.data) {
		return fmt.Errorf("%w: erase [%d, %d) of %d", ErrOutOfBounds, from, to, len(f.data))
	}
	if err := f.countdown(); err != nil {
		return err
	}

	for i := from; i < to; i++ {
		f.data[i] = 0xFF
	}
	return nil
}

// Crc32 chains an IEEE CRC-32 over data. crc32.Update inverts the running
// value on entry and exit, which is exactly the chained crc32(init, data)
// primitive the on-disk format is defined against.
func (f *MemFlash) Crc32(init uint32, data []byte) uint32 {
	return crc32.Update(init, crc32.IEEETable, data)
}
