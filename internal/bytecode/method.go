package bytecode

import (
	"encoding/binary"
	"fmt"
)

// NoOSR 表示非 OSR 编译请求的哨兵偏移
const NoOSR = -1

// Method 字节码方法
//
// 由已加载的程序持有，生命周期长于任何引用它的编译任务。
// 创建后不可修改。
type Method struct {
	Name     string
	Code     []byte
	NumArgs  int // 参数个数
	NumVRegs int // 虚拟寄存器个数（不含参数）
}

// NewMethod 创建字节码方法（复制 code）
func NewMethod(name string, code []byte, numArgs, numVRegs int) *Method {
	buf := make([]byte, len(code))
	copy(buf, code)
	return &Method{
		Name:     name,
		Code:     buf,
		NumArgs:  numArgs,
		NumVRegs: numVRegs,
	}
}

// Size 返回字节码长度
func (m *Method) Size() int {
	return len(m.Code)
}

// Validate 检查指令流能否被完整切分
func (m *Method) Validate() error {
	offset := 0
	for offset < len(m.Code) {
		op := OpCode(m.Code[offset])
		if !op.IsValid() {
			return fmt.Errorf("method %s: invalid opcode %#x at offset %d", m.Name, byte(op), offset)
		}
		size := op.Size()
		if offset+size > len(m.Code) {
			return fmt.Errorf("method %s: truncated %s at offset %d", m.Name, op, offset)
		}
		offset += size
	}
	return nil
}

// Disassemble 反汇编方法
func (m *Method) Disassemble() string {
	return Disassemble(m.Name, m.Code)
}

// ============================================================================
// 操作数读取（小端序）
// ============================================================================

// ReadI8 读取有符号 8 位立即数
func ReadI8(code []byte, offset int) int8 {
	return int8(code[offset])
}

// ReadU16 读取 uint16
func ReadU16(code []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(code[offset:])
}

// ReadI16 读取 int16
func ReadI16(code []byte, offset int) int16 {
	return int16(ReadU16(code, offset))
}

// ReadU32 读取 uint32
func ReadU32(code []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(code[offset:])
}

// ReadI32 读取 int32
func ReadI32(code []byte, offset int) int32 {
	return int32(ReadU32(code, offset))
}

// ReadU64 读取 uint64
func ReadU64(code []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(code[offset:])
}
