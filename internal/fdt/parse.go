package fdt

import (
	"encoding/binary"
	"fmt"
)

// ErrMalformed is returned by ChosenBootArgs when blob isn't a
// well-formed FDT image this decoder understands.
var ErrMalformed = fmt.Errorf("fdt: malformed device tree blob")

// ChosenBootArgs decodes blob just far enough to find the `bootargs`
// string property under the `/chosen` node — the one property the kernel
// actually consumes out of the device tree a boot loader hands it.
// Everything else in the tree (memory nodes, PLIC/UART
// register ranges) is the fdt package's external-collaborator territory:
// this kernel never walks them, since its own physmem/trap code gets
// that information from kconfig and the harness directly instead.
func ChosenBootArgs(blob []byte) (string, bool, error) {
	if len(blob) < fdtHeaderSize {
		return "", false, ErrMalformed
	}
	if binary.BigEndian.Uint32(blob[0:4]) != fdtMagic {
		return "", false, ErrMalformed
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	if int(offStruct) > len(blob) || int(offStrings) > len(blob) {
		return "", false, ErrMalformed
	}

	struc := blob[offStruct:]
	strs := blob[offStrings:]

	var path []string
	pos := 0
	for pos+4 <= len(struc) {
		token := binary.BigEndian.Uint32(struc[pos : pos+4])
		pos += 4
		switch token {
		case fdtBeginNodeToken:
			name, n, err := readCString(struc[pos:])
			if err != nil {
				return "", false, err
			}
			path = append(path, name)
			pos += n
			pos = align4(pos)
		case fdtEndNodeToken:
			if len(path) == 0 {
				return "", false, ErrMalformed
			}
			path = path[:len(path)-1]
		case fdtPropToken:
			if pos+8 > len(struc) {
				return "", false, ErrMalformed
			}
			length := binary.BigEndian.Uint32(struc[pos : pos+4])
			nameOff := binary.BigEndian.Uint32(struc[pos+4 : pos+8])
			pos += 8
			if int(pos)+int(length) > len(struc) {
				return "", false, ErrMalformed
			}
			value := struc[pos : pos+int(length)]
			pos += int(length)
			pos = align4(pos)

			name, _, err := readCString(strs[nameOff:])
			if err != nil {
				return "", false, err
			}
			if name == "bootargs" && len(path) > 0 && path[len(path)-1] == "chosen" {
				s, _, err := readCString(value)
				if err != nil {
					return "", false, err
				}
				return s, true, nil
			}
		case fdtEndToken:
			return "", false, nil
		default:
			return "", false, ErrMalformed
		}
	}
	return "", false, nil
}

func readCString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, ErrMalformed
}

func align4(n int) int {
	for n%4 != 0 {
		n++
	}
	return n
}
