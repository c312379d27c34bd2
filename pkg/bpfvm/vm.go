// Package bpfvm executes classic BPF filter programs extended with
// coprocessor calls that consult the packet's protocol cache and the
// address tables.
package bpfvm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/net/bpf"
)

// Env is what the coprocessor calls may consult while a program runs.
type Env interface {
	// L3 returns the IP version, layer 4 offset and layer 4 protocol;
	// zeros for what is not cached.
	L3() (ver, l4off, l4proto uint32)
	// TableLookup tests the source or destination address of the packet
	// against table tid.
	TableLookup(tid uint32, src bool) bool
}

type opKind uint8

const (
	kLdW opKind = iota
	kLdH
	kLdB
	kLdIndW
	kLdIndH
	kLdIndB
	kLdImm
	kLdLen
	kLdMem
	kLdxImm
	kLdxLen
	kLdxMem
	kLdxMsh
	kSt
	kStx
	kAluK
	kAluX
	kNeg
	kJa
	kJeqK
	kJeqX
	kJgtK
	kJgtX
	kJgeK
	kJgeX
	kJsetK
	kJsetX
	kRetK
	kRetA
	kRetX
	kTax
	kTxa
	kCopL3
	kCopTable
)

type insn struct {
	kind   opKind
	alu    uint16
	jt, jf uint8
	k      uint32
}

// Program is a validated filter in decoded form.
type Program struct {
	raw []bpf.RawInstruction
	ins []insn
}

// Assemble validates and compiles a program given as bpf instructions.
func Assemble(insns []bpf.Instruction, ntables int) (*Program, error) {
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	return Compile(raw, ntables)
}

// Compile validates raw and pre-decodes it for execution.
func Compile(raw []bpf.RawInstruction, ntables int) (*Program, error) {
	if err := Validate(raw, ntables); err != nil {
		return nil, err
	}
	p := &Program{
		raw: append([]bpf.RawInstruction(nil), raw...),
		ins: make([]insn, len(raw)),
	}
	for i, r := range raw {
		p.ins[i] = decode(r)
	}
	return p, nil
}

func decode(r bpf.RawInstruction) insn {
	in := insn{jt: r.Jt, jf: r.Jf, k: r.K}
	switch class(r.Op) {
	case clsLD:
		switch mode(r.Op) {
		case modeABS:
			in.kind = sized(r.Op, kLdW, kLdH, kLdB)
		case modeIND:
			in.kind = sized(r.Op, kLdIndW, kLdIndH, kLdIndB)
		case modeIMM:
			in.kind = kLdImm
		case modeLEN:
			in.kind = kLdLen
		case modeMEM:
			in.kind = kLdMem
		}
	case clsLDX:
		switch mode(r.Op) {
		case modeIMM:
			in.kind = kLdxImm
		case modeLEN:
			in.kind = kLdxLen
		case modeMEM:
			in.kind = kLdxMem
		case modeMSH:
			in.kind = kLdxMsh
		}
	case clsST:
		in.kind = kSt
	case clsSTX:
		in.kind = kStx
	case clsALU:
		in.alu = aluOp(r.Op)
		switch {
		case in.alu == aluNEG:
			in.kind = kNeg
		case src(r.Op) == srcX:
			in.kind = kAluX
		default:
			in.kind = kAluK
		}
	case clsJMP:
		x := src(r.Op) == srcX
		switch aluOp(r.Op) {
		case jmpJA:
			in.kind = kJa
		case jmpJEQ:
			in.kind = pick(x, kJeqX, kJeqK)
		case jmpJGT:
			in.kind = pick(x, kJgtX, kJgtK)
		case jmpJGE:
			in.kind = pick(x, kJgeX, kJgeK)
		case jmpJSET:
			in.kind = pick(x, kJsetX, kJsetK)
		}
	case clsRET:
		switch r.Op &^ clsRET {
		case retA:
			in.kind = kRetA
		case retX:
			in.kind = kRetX
		default:
			in.kind = kRetK
		}
	case clsMISC:
		switch r.Op &^ clsMISC {
		case miscTAX:
			in.kind = kTax
		case miscTXA:
			in.kind = kTxa
		case miscCOP:
			if r.K == FuncL3 {
				in.kind = kCopL3
			} else {
				in.kind = kCopTable
			}
		}
	}
	return in
}

func sized(op uint16, w, h, b opKind) opKind {
	switch size(op) {
	case szH:
		return h
	case szB:
		return b
	}
	return w
}

func pick(x bool, a, b opKind) opKind {
	if x {
		return a
	}
	return b
}

// Len returns the number of instructions.
func (p *Program) Len() int { return len(p.raw) }

// Raw returns a copy of the raw instructions.
func (p *Program) Raw() []bpf.RawInstruction {
	return append([]bpf.RawInstruction(nil), p.raw...)
}

func (p *Program) String() string {
	insns, _ := bpf.Disassemble(p.raw)
	var sb strings.Builder
	for i, in := range insns {
		if r, ok := in.(bpf.RawInstruction); ok && r.Op == clsMISC|miscCOP {
			if r.K == FuncL3 {
				in = CallL3{}
			} else {
				in = CallTable{}
			}
		}
		fmt.Fprintf(&sb, "%3d: %v\n", i, in)
	}
	return sb.String()
}

// Exec runs the program over pkt. The packet is never written. Loads
// outside the packet and division by a zero X abort with 0.
func (p *Program) Exec(pkt []byte, env Env) uint32 {
	var a, x uint32
	var mem [MemWords]uint32
	mem[MemIPVer], mem[MemL4Off], mem[MemL4Proto] = env.L3()

	plen := uint32(len(pkt))
	for pc := 0; pc < len(p.ins); pc++ {
		in := &p.ins[pc]
		switch in.kind {
		case kLdW, kLdIndW:
			off := in.k
			if in.kind == kLdIndW {
				off += x
			}
			if off < in.k && in.kind == kLdIndW || off > plen || plen-off < 4 {
				return 0
			}
			a = binary.BigEndian.Uint32(pkt[off:])
		case kLdH, kLdIndH:
			off := in.k
			if in.kind == kLdIndH {
				off += x
			}
			if off < in.k && in.kind == kLdIndH || off > plen || plen-off < 2 {
				return 0
			}
			a = uint32(binary.BigEndian.Uint16(pkt[off:]))
		case kLdB, kLdIndB:
			off := in.k
			if in.kind == kLdIndB {
				off += x
			}
			if off < in.k && in.kind == kLdIndB || off >= plen {
				return 0
			}
			a = uint32(pkt[off])
		case kLdImm:
			a = in.k
		case kLdLen:
			a = plen
		case kLdMem:
			a = mem[in.k]
		case kLdxImm:
			x = in.k
		case kLdxLen:
			x = plen
		case kLdxMem:
			x = mem[in.k]
		case kLdxMsh:
			if in.k >= plen {
				return 0
			}
			x = uint32(pkt[in.k]&0x0f) * 4
		case kSt:
			mem[in.k] = a
		case kStx:
			mem[in.k] = x
		case kAluK, kAluX:
			v := in.k
			if in.kind == kAluX {
				v = x
			}
			switch in.alu {
			case aluADD:
				a += v
			case aluSUB:
				a -= v
			case aluMUL:
				a *= v
			case aluDIV:
				if v == 0 {
					return 0
				}
				a /= v
			case aluMOD:
				if v == 0 {
					return 0
				}
				a %= v
			case aluOR:
				a |= v
			case aluAND:
				a &= v
			case aluXOR:
				a ^= v
			case aluLSH:
				a <<= v & 31
			case aluRSH:
				a >>= v & 31
			}
		case kNeg:
			a = -a
		case kJa:
			pc += int(in.k)
		case kJeqK:
			pc += branch(a == in.k, in)
		case kJeqX:
			pc += branch(a == x, in)
		case kJgtK:
			pc += branch(a > in.k, in)
		case kJgtX:
			pc += branch(a > x, in)
		case kJgeK:
			pc += branch(a >= in.k, in)
		case kJgeX:
			pc += branch(a >= x, in)
		case kJsetK:
			pc += branch(a&in.k != 0, in)
		case kJsetX:
			pc += branch(a&x != 0, in)
		case kRetK:
			return in.k
		case kRetA:
			return a
		case kRetX:
			return x
		case kTax:
			x = a
		case kTxa:
			a = x
		case kCopL3:
			mem[MemIPVer], mem[MemL4Off], mem[MemL4Proto] = env.L3()
			a = mem[MemIPVer]
		case kCopTable:
			if env.TableLookup(a&^SelectSrc, a&SelectSrc != 0) {
				a = 1
			} else {
				a = 0
			}
		}
	}
	return 0
}

func branch(cond bool, in *insn) int {
	if cond {
		return int(in.jt)
	}
	return int(in.jf)
}
