package baseline

import "fmt"

// StubID 预编译运行时桩编号
type StubID int

const (
	StubUpdateHotness StubID = iota
	StubLdaStrID16
	StubNewlexenvImm8
	StubLdlexvarImm4Imm4
	StubStlexvarImm4Imm4
	StubTryldglobalbynameImm8ID16
	StubLdobjbynameImm8ID16
	StubStobjbynameImm8ID16V8

	StubAdd2Imm8V8
	StubSub2Imm8V8
	StubMul2Imm8V8
	StubDiv2Imm8V8
	StubMod2Imm8V8
	StubEqImm8V8
	StubNoteqImm8V8
	StubLessImm8V8
	StubLesseqImm8V8
	StubGreaterImm8V8
	StubGreatereqImm8V8
	StubShl2Imm8V8
	StubShr2Imm8V8
	StubAshr2Imm8V8
	StubAnd2Imm8V8
	StubOr2Imm8V8
	StubXor2Imm8V8

	StubIncImm8
	StubDecImm8
	StubNegImm8
	StubNotImm8
	StubTypeofImm8
	StubIstrue
	StubIsfalse

	StubCallarg0Imm8
	StubCallarg1Imm8V8
	StubCallargs2Imm8V8V8
	StubReturn
	StubReturnundefined
	StubDebugger

	NumStubs
)

var stubNames = [NumStubs]string{
	StubUpdateHotness:             "BaselineUpdateHotness",
	StubLdaStrID16:                "BaselineLdaStrID16",
	StubNewlexenvImm8:             "BaselineNewlexenvImm8",
	StubLdlexvarImm4Imm4:          "BaselineLdlexvarImm4Imm4",
	StubStlexvarImm4Imm4:          "BaselineStlexvarImm4Imm4",
	StubTryldglobalbynameImm8ID16: "BaselineTryldglobalbynameImm8ID16",
	StubLdobjbynameImm8ID16:       "BaselineLdobjbynameImm8ID16",
	StubStobjbynameImm8ID16V8:     "BaselineStobjbynameImm8ID16V8",
	StubAdd2Imm8V8:                "BaselineAdd2Imm8V8",
	StubSub2Imm8V8:                "BaselineSub2Imm8V8",
	StubMul2Imm8V8:                "BaselineMul2Imm8V8",
	StubDiv2Imm8V8:                "BaselineDiv2Imm8V8",
	StubMod2Imm8V8:                "BaselineMod2Imm8V8",
	StubEqImm8V8:                  "BaselineEqImm8V8",
	StubNoteqImm8V8:               "BaselineNoteqImm8V8",
	StubLessImm8V8:                "BaselineLessImm8V8",
	StubLesseqImm8V8:              "BaselineLesseqImm8V8",
	StubGreaterImm8V8:             "BaselineGreaterImm8V8",
	StubGreatereqImm8V8:           "BaselineGreatereqImm8V8",
	StubShl2Imm8V8:                "BaselineShl2Imm8V8",
	StubShr2Imm8V8:                "BaselineShr2Imm8V8",
	StubAshr2Imm8V8:               "BaselineAshr2Imm8V8",
	StubAnd2Imm8V8:                "BaselineAnd2Imm8V8",
	StubOr2Imm8V8:                 "BaselineOr2Imm8V8",
	StubXor2Imm8V8:                "BaselineXor2Imm8V8",
	StubIncImm8:                   "BaselineIncImm8",
	StubDecImm8:                   "BaselineDecImm8",
	StubNegImm8:                   "BaselineNegImm8",
	StubNotImm8:                   "BaselineNotImm8",
	StubTypeofImm8:                "BaselineTypeofImm8",
	StubIstrue:                    "BaselineIstrue",
	StubIsfalse:                   "BaselineIsfalse",
	StubCallarg0Imm8:              "BaselineCallarg0Imm8",
	StubCallarg1Imm8V8:            "BaselineCallarg1Imm8V8",
	StubCallargs2Imm8V8V8:         "BaselineCallargs2Imm8V8V8",
	StubReturn:                    "BaselineReturn",
	StubReturnundefined:           "BaselineReturnundefined",
	StubDebugger:                  "BaselineDebugger",
}

func (id StubID) String() string {
	if id >= 0 && id < NumStubs {
		return stubNames[id]
	}
	return fmt.Sprintf("Stub(%d)", int(id))
}

// StubResolver 提供桩入口地址
type StubResolver interface {
	StubAddress(id StubID) uint64
}

// StubResolverFunc 函数适配器
type StubResolverFunc func(id StubID) uint64

// StubAddress 实现 StubResolver
func (f StubResolverFunc) StubAddress(id StubID) uint64 {
	return f(id)
}

// FakeStubs 为每个桩生成互不相同的假地址，不执行生成代码的场景（测试、离线翻译）使用
var FakeStubs StubResolver = StubResolverFunc(func(id StubID) uint64 {
	return 0x7f0000000000 + uint64(id)*0x100
})
