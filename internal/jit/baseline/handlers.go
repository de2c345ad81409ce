package baseline

import (
	"github.com/tangzhangming/novajit/internal/bytecode"
	"github.com/tangzhangming/novajit/internal/jit/asm"
)

// handler 单条字节码的翻译函数；ins 为完整指令字节
type handler func(c *compilation, pc int, ins []byte)

// handlers 未登记的操作码在翻译时跳过
var handlers map[bytecode.OpCode]handler

var (
	glue = asm.S(asm.SpecialGlue)
	sp   = asm.S(asm.SpecialSP)
	acc  = asm.S(asm.SpecialAcc)
)

func imm8(ins []byte, i int) asm.Param  { return asm.I(int32(ins[i])) }
func imm16(ins []byte, i int) asm.Param { return asm.I(int32(bytecode.ReadU16(ins, i))) }
func vreg8(ins []byte, i int) asm.Param { return asm.V(int(ins[i])) }

// binaryStub acc = stub(vX, acc)
func binaryStub(id StubID) handler {
	return func(c *compilation, pc int, ins []byte) {
		c.callStubToAcc(id, glue, sp, vreg8(ins, 2), imm8(ins, 1))
	}
}

// unaryStub acc = stub(acc)，slot 作为反馈槽传入
func unaryStub(id StubID) handler {
	return func(c *compilation, pc int, ins []byte) {
		c.callStubToAcc(id, glue, sp, imm8(ins, 1))
	}
}

func init() {
	handlers = map[bytecode.OpCode]handler{
		// ------- 特殊值装载 -------
		bytecode.OpLdUndefined: func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueUndefined) },
		bytecode.OpLdNull:      func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueNull) },
		bytecode.OpLdTrue:      func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueTrue) },
		bytecode.OpLdFalse:     func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueFalse) },
		bytecode.OpLdHole:      func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueHole) },
		bytecode.OpLdNaN:       func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueNaN) },
		bytecode.OpLdInfinity:  func(c *compilation, pc int, ins []byte) { c.loadAcc(bytecode.ValueInfinity) },
		bytecode.OpLdFunction:  func(c *compilation, pc int, ins []byte) { c.loadAccFrom(asm.FuncSlot) },
		bytecode.OpLdNewTarget: func(c *compilation, pc int, ins []byte) { c.loadAccFrom(asm.NewTargetSlot) },
		bytecode.OpLdThis:      func(c *compilation, pc int, ins []byte) { c.loadAccFrom(asm.ThisSlot) },

		// ------- 累加器 / 寄存器传送 -------
		bytecode.OpLdaiImm32: func(c *compilation, pc int, ins []byte) {
			c.loadAcc(bytecode.TaggedInt(bytecode.ReadI32(ins, 1)))
		},
		bytecode.OpFldaiImm64: func(c *compilation, pc int, ins []byte) {
			c.loadAcc(bytecode.ReadU64(ins, 1) + bytecode.DoubleEncodeOffset)
		},
		bytecode.OpLdaV8: func(c *compilation, pc int, ins []byte) {
			c.loadAccFrom(asm.VRegSlot(int(ins[1])))
		},
		bytecode.OpStaV8: func(c *compilation, pc int, ins []byte) {
			c.a.MovMemReg(asm.FrameReg, asm.VRegSlot(int(ins[1])), asm.AccReg)
		},
		bytecode.OpMovV4V4: func(c *compilation, pc int, ins []byte) {
			c.moveVReg(int(ins[1]&0xf), int(ins[1]>>4))
		},
		bytecode.OpMovV8V8: func(c *compilation, pc int, ins []byte) {
			c.moveVReg(int(ins[1]), int(ins[2]))
		},
		bytecode.OpMovV16V16: func(c *compilation, pc int, ins []byte) {
			c.moveVReg(int(bytecode.ReadU16(ins, 1)), int(bytecode.ReadU16(ins, 3)))
		},
		bytecode.OpNop: func(c *compilation, pc int, ins []byte) {},

		// ------- 常量 / 词法环境 / 属性 -------
		bytecode.OpLdaStrId16: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubLdaStrID16, glue, sp, imm16(ins, 1))
		},
		bytecode.OpNewLexEnvImm8: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubNewlexenvImm8, glue, acc, imm8(ins, 1), sp)
		},
		bytecode.OpLdLexVarImm4Imm4: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubLdlexvarImm4Imm4, glue, sp, asm.I(int32(ins[1]&0xf)), asm.I(int32(ins[1]>>4)))
		},
		bytecode.OpStLexVarImm4Imm4: func(c *compilation, pc int, ins []byte) {
			c.callStub(StubStlexvarImm4Imm4, glue, sp, acc, asm.I(int32(ins[1]&0xf)), asm.I(int32(ins[1]>>4)))
		},
		bytecode.OpTryLdGlobalByName: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubTryldglobalbynameImm8ID16, glue, sp, imm16(ins, 2), imm8(ins, 1))
		},
		bytecode.OpLdObjByName: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubLdobjbynameImm8ID16, glue, sp, imm8(ins, 1), imm16(ins, 2))
		},
		bytecode.OpStObjByName: func(c *compilation, pc int, ins []byte) {
			c.callStub(StubStobjbynameImm8ID16V8, glue, sp, imm8(ins, 1), imm16(ins, 2), vreg8(ins, 4))
		},

		// ------- 二元运算 -------
		bytecode.OpAdd2Imm8V8:      binaryStub(StubAdd2Imm8V8),
		bytecode.OpSub2Imm8V8:      binaryStub(StubSub2Imm8V8),
		bytecode.OpMul2Imm8V8:      binaryStub(StubMul2Imm8V8),
		bytecode.OpDiv2Imm8V8:      binaryStub(StubDiv2Imm8V8),
		bytecode.OpMod2Imm8V8:      binaryStub(StubMod2Imm8V8),
		bytecode.OpEqImm8V8:        binaryStub(StubEqImm8V8),
		bytecode.OpNotEqImm8V8:     binaryStub(StubNoteqImm8V8),
		bytecode.OpLessImm8V8:      binaryStub(StubLessImm8V8),
		bytecode.OpLessEqImm8V8:    binaryStub(StubLesseqImm8V8),
		bytecode.OpGreaterImm8V8:   binaryStub(StubGreaterImm8V8),
		bytecode.OpGreaterEqImm8V8: binaryStub(StubGreatereqImm8V8),
		bytecode.OpShl2Imm8V8:      binaryStub(StubShl2Imm8V8),
		bytecode.OpShr2Imm8V8:      binaryStub(StubShr2Imm8V8),
		bytecode.OpAshr2Imm8V8:     binaryStub(StubAshr2Imm8V8),
		bytecode.OpAnd2Imm8V8:      binaryStub(StubAnd2Imm8V8),
		bytecode.OpOr2Imm8V8:       binaryStub(StubOr2Imm8V8),
		bytecode.OpXor2Imm8V8:      binaryStub(StubXor2Imm8V8),

		// ------- 一元运算 -------
		bytecode.OpIncImm8: unaryStub(StubIncImm8),
		bytecode.OpDecImm8: unaryStub(StubDecImm8),
		bytecode.OpNegImm8: unaryStub(StubNegImm8),
		bytecode.OpNotImm8: unaryStub(StubNotImm8),
		bytecode.OpTypeofImm8: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubTypeofImm8, glue, acc)
		},
		bytecode.OpIsTrue: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubIstrue, glue, acc)
		},
		bytecode.OpIsFalse: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubIsfalse, glue, acc)
		},

		// ------- 调用 / 返回 -------
		bytecode.OpCallArg0Imm8: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubCallarg0Imm8, glue, sp, imm8(ins, 1))
		},
		bytecode.OpCallArg1Imm8V8: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubCallarg1Imm8V8, glue, sp, asm.I(int32(ins[2])), imm8(ins, 1))
		},
		bytecode.OpCallArgs2Imm8V8V8: func(c *compilation, pc int, ins []byte) {
			c.callStubToAcc(StubCallargs2Imm8V8V8, glue, sp, asm.I(int32(ins[2])), asm.I(int32(ins[3])), imm8(ins, 1))
		},
		bytecode.OpReturn: func(c *compilation, pc int, ins []byte) {
			c.callStub(StubReturn, glue, sp, asm.I(int32(pc)))
		},
		bytecode.OpReturnUndefined: func(c *compilation, pc int, ins []byte) {
			c.callStub(StubReturnundefined, glue, sp, asm.I(int32(pc)))
		},
		bytecode.OpDebugger: func(c *compilation, pc int, ins []byte) {
			c.callStub(StubDebugger, glue)
		},
	}

	// ------- 控制流 -------
	jmp := func(c *compilation, pc int, ins []byte) { c.jump(pc, ins, nil) }
	// JEQZ：acc == false 时跳转，否则离开
	jeqz := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondNE, bytecode.ValueFalse))
	}
	jnez := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondE, bytecode.ValueFalse))
	}
	jeqNull := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondNE, bytecode.ValueNull))
	}
	jneNull := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondE, bytecode.ValueNull))
	}
	jeqUndefined := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondNE, bytecode.ValueUndefined))
	}
	jneUndefined := func(c *compilation, pc int, ins []byte) {
		c.jump(pc, ins, c.exitIf(asm.CondE, bytecode.ValueUndefined))
	}

	for op, h := range map[bytecode.OpCode]handler{
		bytecode.OpJmpImm8:           jmp,
		bytecode.OpJmpImm16:          jmp,
		bytecode.OpJmpImm32:          jmp,
		bytecode.OpJeqzImm8:          jeqz,
		bytecode.OpJeqzImm16:         jeqz,
		bytecode.OpJeqzImm32:         jeqz,
		bytecode.OpJnezImm8:          jnez,
		bytecode.OpJnezImm16:         jnez,
		bytecode.OpJnezImm32:         jnez,
		bytecode.OpJeqNullImm8:       jeqNull,
		bytecode.OpJeqNullImm16:      jeqNull,
		bytecode.OpJneNullImm8:       jneNull,
		bytecode.OpJneNullImm16:      jneNull,
		bytecode.OpJeqUndefinedImm8:  jeqUndefined,
		bytecode.OpJeqUndefinedImm16: jeqUndefined,
		bytecode.OpJneUndefinedImm8:  jneUndefined,
		bytecode.OpJneUndefinedImm16: jneUndefined,
	} {
		handlers[op] = h
	}
}

// Supported 该操作码是否由基线层翻译
func Supported(op bytecode.OpCode) bool {
	_, ok := handlers[op]
	return ok
}
