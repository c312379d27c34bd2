package bpfvm

import "golang.org/x/net/bpf"

// Classic BPF opcode fields.
const (
	clsLD   = 0x00
	clsLDX  = 0x01
	clsST   = 0x02
	clsSTX  = 0x03
	clsALU  = 0x04
	clsJMP  = 0x05
	clsRET  = 0x06
	clsMISC = 0x07

	szW = 0x00
	szH = 0x08
	szB = 0x10

	modeIMM = 0x00
	modeABS = 0x20
	modeIND = 0x40
	modeMEM = 0x60
	modeLEN = 0x80
	modeMSH = 0xa0

	aluADD = 0x00
	aluSUB = 0x10
	aluMUL = 0x20
	aluDIV = 0x30
	aluOR  = 0x40
	aluAND = 0x50
	aluLSH = 0x60
	aluRSH = 0x70
	aluNEG = 0x80
	aluMOD = 0x90
	aluXOR = 0xa0

	jmpJA   = 0x00
	jmpJEQ  = 0x10
	jmpJGT  = 0x20
	jmpJGE  = 0x30
	jmpJSET = 0x40

	srcK = 0x00
	srcX = 0x08

	retK = 0x00
	retX = 0x08
	retA = 0x10

	miscTAX  = 0x00
	miscCOP  = 0x20
	miscCOPX = 0x40
	miscTXA  = 0x80
)

func class(op uint16) uint16 { return op & 0x07 }
func size(op uint16) uint16  { return op & 0x18 }
func mode(op uint16) uint16  { return op & 0xe0 }
func aluOp(op uint16) uint16 { return op & 0xf0 }
func src(op uint16) uint16   { return op & 0x08 }

// Coprocessor functions reachable through the COP instruction.
const (
	// FuncL3 refreshes the layer 3 memory words and sets A to the IP
	// version.
	FuncL3 = 0
	// FuncTable tests the address selected by A against a table; A holds
	// the table ID, with SelectSrc set to test the source address.
	FuncTable = 1

	numFuncs = 2
)

// SelectSrc marks a table lookup of the source address.
const SelectSrc = 1 << 31

// External memory layout.
const (
	MemWords   = 16
	MemIPVer   = 0
	MemL4Off   = 1
	MemL4Proto = 2

	preinitMem = 1<<MemIPVer | 1<<MemL4Off | 1<<MemL4Proto
)

// CallL3 is the "fetch layer 3 summary" extension instruction.
type CallL3 struct{}

// Assemble implements bpf.Instruction.
func (CallL3) Assemble() (bpf.RawInstruction, error) {
	return bpf.RawInstruction{Op: clsMISC | miscCOP, K: FuncL3}, nil
}

func (CallL3) String() string { return "cop l3" }

// CallTable is the table membership extension instruction. It must
// directly follow a load of the table selector into A.
type CallTable struct{}

// Assemble implements bpf.Instruction.
func (CallTable) Assemble() (bpf.RawInstruction, error) {
	return bpf.RawInstruction{Op: clsMISC | miscCOP, K: FuncTable}, nil
}

func (CallTable) String() string { return "cop table" }

// TableSelector builds the A operand of a table lookup.
func TableSelector(tid uint32, srcAddr bool) uint32 {
	if srcAddr {
		return tid | SelectSrc
	}
	return tid
}
