package code

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ============================================================================
// 机器码对象头
// ============================================================================
//
// 二进制布局（小端序）：
//
//	+0   InstructionSize  u32
//	+4   SideTableSize    u32
//	+8   InstructionsAddr u64   仅当 text 位于 fort 区域时存在
//	+..  Entry            u64
//	+..  Trailer               优化层：UnwindSize u32 + 栈展开信息；基线层为空

// HeaderAlign 对象头之后的对齐
const HeaderAlign = 16

// Header 机器码对象头
type Header struct {
	InstructionSize  uint32
	SideTableSize    uint32
	InstructionsAddr uint64 // 仅 fort 模式
	Entry            uint64
	Unwind           []byte // 仅优化层
}

var errShortHeader = errors.New("machine code header: buffer too small")

// HeaderSize 返回编码后的对象头长度（未对齐）
func HeaderSize(fort bool, tier Tier, unwindLen int) int {
	n := 4 + 4 + 8
	if fort {
		n += 8
	}
	if tier == TierOptimizing {
		n += 4 + unwindLen
	}
	return n
}

// entryOffset Entry 字段在对象头中的偏移
func entryOffset(fort bool) int {
	if fort {
		return 16
	}
	return 8
}

// Encode 把对象头写入 buf，返回写入字节数
func (h *Header) Encode(buf []byte, fort bool, tier Tier) (int, error) {
	size := HeaderSize(fort, tier, len(h.Unwind))
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d, have %d", errShortHeader, size, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:], h.InstructionSize)
	binary.LittleEndian.PutUint32(buf[4:], h.SideTableSize)
	pos := 8
	if fort {
		binary.LittleEndian.PutUint64(buf[pos:], h.InstructionsAddr)
		pos += 8
	}
	binary.LittleEndian.PutUint64(buf[pos:], h.Entry)
	pos += 8
	if tier == TierOptimizing {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(len(h.Unwind)))
		pos += 4
		pos += copy(buf[pos:], h.Unwind)
	}
	return pos, nil
}

// DecodeHeader 解析对象头
func DecodeHeader(buf []byte, fort bool, tier Tier) (Header, error) {
	var h Header
	if len(buf) < HeaderSize(fort, tier, 0) {
		return h, errShortHeader
	}
	h.InstructionSize = binary.LittleEndian.Uint32(buf[0:])
	h.SideTableSize = binary.LittleEndian.Uint32(buf[4:])
	pos := 8
	if fort {
		h.InstructionsAddr = binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
	}
	h.Entry = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	if tier == TierOptimizing {
		n := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if len(buf) < pos+n {
			return h, errShortHeader
		}
		h.Unwind = clone(buf[pos : pos+n])
	}
	return h, nil
}

// PutEntry 只改写 Entry 字段
func PutEntry(buf []byte, fort bool, entry uint64) {
	binary.LittleEndian.PutUint64(buf[entryOffset(fort):], entry)
}
