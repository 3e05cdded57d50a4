package riscv

import "fmt"

// Flags is a bitset over the architectural page-table entry flag bits:
// V, R, W, X, U, G, A, D, in their standard RISC-V PTE bit positions.
type Flags uint8

const (
	Valid Flags = 1 << iota
	Read
	Write
	Execute
	User
	Global
	Accessed
	Dirty
)

// RSW is the two software-reserved bits the architecture leaves free in
// every PTE. vanadinite uses them to distinguish backing-store ownership
// without consulting the AddressMap on every TLB-adjacent operation.
type RSW uint8

const (
	RSWNone RSW = iota
	RSWSharedMemory
	RSWDirect
)

// ErrWriteWithoutRead is returned by Validate when Write is set without
// Read, illegal at the leaf level.
var ErrWriteWithoutRead = fmt.Errorf("riscv: flags: write without read")

// Validate enforces the "write without read is illegal at the leaf level"
// invariant.
func (f Flags) Validate() error {
	if f&Write != 0 && f&Read == 0 {
		return ErrWriteWithoutRead
	}
	return nil
}

func (f Flags) Has(bits Flags) bool { return f&bits == bits }

func (f Flags) String() string {
	letters := [...]struct {
		bit Flags
		ch  byte
	}{
		{Valid, 'V'}, {Read, 'R'}, {Write, 'W'}, {Execute, 'X'},
		{User, 'U'}, {Global, 'G'}, {Accessed, 'A'}, {Dirty, 'D'},
	}
	buf := make([]byte, 0, len(letters))
	for _, l := range letters {
		if f&l.bit != 0 {
			buf = append(buf, l.ch)
		} else {
			buf = append(buf, '-')
		}
	}
	return string(buf)
}
