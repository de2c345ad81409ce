package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// 解码器
// ============================================================================
//
// 只识别本汇编器会生成的指令子集，用于诊断输出和测试中对发射序列的检查。

// Mnemonic 解码后的指令种类
type Mnemonic uint8

const (
	MMov      Mnemonic = iota + 1 // mov reg, reg
	MMovImm                       // mov reg, imm32 / imm64
	MLoad                         // mov reg, [base+disp]
	MStore                        // mov [base+disp], reg
	MAdd                          // add reg, imm
	MSub                          // sub reg, imm
	MCmp                          // cmp reg, reg
	MCmpImm                       // cmp reg, imm
	MPush                         // push reg
	MPop                          // pop reg
	MCall                         // call reg
	MJmp                          // jmp rel32
	MJcc                          // jcc rel32
	MRet                          // ret
)

var mnemonicNames = map[Mnemonic]string{
	MMov: "mov", MMovImm: "mov", MLoad: "mov", MStore: "mov",
	MAdd: "add", MSub: "sub", MCmp: "cmp", MCmpImm: "cmp",
	MPush: "push", MPop: "pop", MCall: "call", MJmp: "jmp", MJcc: "j", MRet: "ret",
}

// Inst 解码后的一条指令
type Inst struct {
	Offset int
	Len    int
	Op     Mnemonic
	Dst    Reg
	Src    Reg
	Base   Reg
	Disp   int32
	Imm    int64
	Cond   Cond
	Target int // 跳转目标（text 内绝对偏移）
}

func (in Inst) String() string {
	name := mnemonicNames[in.Op]
	switch in.Op {
	case MMov, MCmp:
		return fmt.Sprintf("%s %s, %s", name, in.Dst, in.Src)
	case MMovImm, MAdd, MSub, MCmpImm:
		return fmt.Sprintf("%s %s, %#x", name, in.Dst, uint64(in.Imm))
	case MLoad:
		return fmt.Sprintf("%s %s, [%s%+d]", name, in.Dst, in.Base, in.Disp)
	case MStore:
		return fmt.Sprintf("%s [%s%+d], %s", name, in.Base, in.Disp, in.Src)
	case MPush, MPop, MCall:
		return fmt.Sprintf("%s %s", name, in.Dst)
	case MJmp:
		return fmt.Sprintf("%s %#x", name, in.Target)
	case MJcc:
		return fmt.Sprintf("%s%s %#x", name, in.Cond, in.Target)
	}
	return name
}

// Decode 解码整段代码
func Decode(code []byte) ([]Inst, error) {
	var out []Inst
	for off := 0; off < len(code); {
		in, err := DecodeOne(code, off)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		off += in.Len
	}
	return out, nil
}

// DecodeOne 解码 off 处的一条指令
func DecodeOne(code []byte, off int) (Inst, error) {
	d := decoder{code: code, pos: off}
	in, err := d.decode()
	if err != nil {
		return Inst{}, fmt.Errorf("decode at %#x: %w", off, err)
	}
	in.Offset = off
	in.Len = d.pos - off
	return in, nil
}

// Format 以文本形式列出解码结果
func Format(code []byte) string {
	var sb strings.Builder
	insts, err := Decode(code)
	for _, in := range insts {
		fmt.Fprintf(&sb, "%04x  %s\n", in.Offset, in)
	}
	if err != nil {
		fmt.Fprintf(&sb, "<%v>\n", err)
	}
	return sb.String()
}

type decoder struct {
	code []byte
	pos  int
}

var errTruncated = errors.New("truncated instruction")

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.code) {
		return 0, errTruncated
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.pos+4 > len(d.code) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint32(d.code[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.pos+8 > len(d.code) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint64(d.code[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) decode() (Inst, error) {
	in := Inst{Dst: RegNone, Src: RegNone, Base: RegNone}

	op, err := d.readByte()
	if err != nil {
		return in, err
	}
	var rexW, rexR, rexB bool
	if op&0xF0 == 0x40 {
		rexW, rexR, rexB = op&0x08 != 0, op&0x04 != 0, op&0x01 != 0
		if op, err = d.readByte(); err != nil {
			return in, err
		}
	}
	ext := func(low byte, set bool) Reg {
		r := Reg(low & 7)
		if set {
			r += 8
		}
		return r
	}

	switch {
	case op == 0x89 || op == 0x8B || op == 0x39:
		m, err := d.readByte()
		if err != nil {
			return in, err
		}
		reg := ext(m>>3, rexR)
		if m>>6 == 3 {
			rm := ext(m, rexB)
			switch op {
			case 0x89:
				in.Op, in.Dst, in.Src = MMov, rm, reg
			case 0x39:
				in.Op, in.Dst, in.Src = MCmp, rm, reg
			default:
				return in, fmt.Errorf("unsupported register form of %#x", op)
			}
			return in, nil
		}
		base, disp, err := d.memOperand(m, rexB)
		if err != nil {
			return in, err
		}
		in.Base, in.Disp = base, disp
		switch op {
		case 0x89:
			in.Op, in.Src = MStore, reg
		case 0x8B:
			in.Op, in.Dst = MLoad, reg
		default:
			return in, fmt.Errorf("unsupported memory form of %#x", op)
		}
		return in, nil

	case op >= 0xB8 && op <= 0xBF && rexW:
		imm, err := d.u64()
		if err != nil {
			return in, err
		}
		in.Op, in.Dst, in.Imm = MMovImm, ext(op, rexB), int64(imm)
		return in, nil

	case op == 0xC7:
		m, err := d.readByte()
		if err != nil {
			return in, err
		}
		if m>>6 != 3 || (m>>3)&7 != 0 {
			return in, fmt.Errorf("unsupported form of 0xc7")
		}
		imm, err := d.u32()
		if err != nil {
			return in, err
		}
		in.Op, in.Dst, in.Imm = MMovImm, ext(m, rexB), int64(int32(imm))
		return in, nil

	case op == 0x81 || op == 0x83:
		m, err := d.readByte()
		if err != nil {
			return in, err
		}
		if m>>6 != 3 {
			return in, fmt.Errorf("unsupported memory form of %#x", op)
		}
		in.Dst = ext(m, rexB)
		if op == 0x83 {
			b, err := d.readByte()
			if err != nil {
				return in, err
			}
			in.Imm = int64(int8(b))
		} else {
			v, err := d.u32()
			if err != nil {
				return in, err
			}
			in.Imm = int64(int32(v))
		}
		switch (m >> 3) & 7 {
		case 0:
			in.Op = MAdd
		case 5:
			in.Op = MSub
		case 7:
			in.Op = MCmpImm
		default:
			return in, fmt.Errorf("unsupported alu extension /%d", (m>>3)&7)
		}
		return in, nil

	case op >= 0x50 && op <= 0x57:
		in.Op, in.Dst = MPush, ext(op, rexB)
		return in, nil

	case op >= 0x58 && op <= 0x5F:
		in.Op, in.Dst = MPop, ext(op, rexB)
		return in, nil

	case op == 0xFF:
		m, err := d.readByte()
		if err != nil {
			return in, err
		}
		if m>>6 != 3 || (m>>3)&7 != 2 {
			return in, fmt.Errorf("unsupported form of 0xff")
		}
		in.Op, in.Dst = MCall, ext(m, rexB)
		return in, nil

	case op == 0xE9:
		rel, err := d.u32()
		if err != nil {
			return in, err
		}
		in.Op, in.Target = MJmp, d.pos+int(int32(rel))
		return in, nil

	case op == 0x0F:
		b, err := d.readByte()
		if err != nil {
			return in, err
		}
		if b&0xF0 != 0x80 {
			return in, fmt.Errorf("unsupported opcode 0x0f %#x", b)
		}
		rel, err := d.u32()
		if err != nil {
			return in, err
		}
		in.Op, in.Cond, in.Target = MJcc, Cond(b&0x0F), d.pos+int(int32(rel))
		return in, nil

	case op == 0xC3:
		in.Op = MRet
		return in, nil
	}

	return in, fmt.Errorf("unsupported opcode %#x", op)
}

// memOperand 解析 [base+disp]，只支持本汇编器生成的形式
func (d *decoder) memOperand(m byte, rexB bool) (Reg, int32, error) {
	mod, rm := m>>6, m&7
	if rm == 4 {
		sib, err := d.readByte()
		if err != nil {
			return RegNone, 0, err
		}
		if sib != 0x24 {
			return RegNone, 0, fmt.Errorf("unsupported sib %#x", sib)
		}
	} else if mod == 0 && rm == 5 {
		return RegNone, 0, fmt.Errorf("rip-relative addressing not supported")
	}
	base := Reg(rm)
	if rexB {
		base += 8
	}

	switch mod {
	case 0:
		return base, 0, nil
	case 1:
		b, err := d.readByte()
		if err != nil {
			return RegNone, 0, err
		}
		return base, int32(int8(b)), nil
	default:
		v, err := d.u32()
		if err != nil {
			return RegNone, 0, err
		}
		return base, int32(v), nil
	}
}
