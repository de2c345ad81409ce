//go:build windows

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsMapper struct {
	pageSize int
}

func newSystemMapper() Mapper {
	return &windowsMapper{pageSize: windows.Getpagesize()}
}

func (m *windowsMapper) PageSize() int {
	return m.pageSize
}

func windowsProt(p Prot) uint32 {
	switch p {
	case ProtRW:
		return windows.PAGE_READWRITE
	case ProtRX:
		return windows.PAGE_EXECUTE_READ
	}
	return windows.PAGE_NOACCESS
}

// Map 使用 VirtualAlloc 保留并提交内存
func (m *windowsMapper) Map(size int, prot Prot) ([]byte, error) {
	if size <= 0 || size%m.pageSize != 0 {
		return nil, fmt.Errorf("VirtualAlloc: size %d is not a positive multiple of the page size", size)
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windowsProt(prot))
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc %d bytes: %w", size, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (m *windowsMapper) Protect(mem []byte, prot Prot) error {
	if len(mem) == 0 {
		return nil
	}
	var old uint32
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if err := windows.VirtualProtect(addr, uintptr(len(mem)), windowsProt(prot), &old); err != nil {
		return fmt.Errorf("VirtualProtect %s: %w", prot, err)
	}
	return nil
}

func (m *windowsMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree: %w", err)
	}
	return nil
}
