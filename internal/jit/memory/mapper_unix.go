//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixMapper struct {
	pageSize int
}

func newSystemMapper() Mapper {
	return &unixMapper{pageSize: unix.Getpagesize()}
}

func (m *unixMapper) PageSize() int {
	return m.pageSize
}

func unixProt(p Prot) int {
	switch p {
	case ProtRW:
		return unix.PROT_READ | unix.PROT_WRITE
	case ProtRX:
		return unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.PROT_NONE
}

// Map 使用 mmap 分配匿名私有映射
func (m *unixMapper) Map(size int, prot Prot) ([]byte, error) {
	if size <= 0 || size%m.pageSize != 0 {
		return nil, fmt.Errorf("mmap: size %d is not a positive multiple of the page size", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func (m *unixMapper) Protect(mem []byte, prot Prot) error {
	if err := unix.Mprotect(mem, unixProt(prot)); err != nil {
		return fmt.Errorf("mprotect %s: %w", prot, err)
	}
	return nil
}

func (m *unixMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
