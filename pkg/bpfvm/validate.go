package bpfvm

import (
	"errors"
	"fmt"

	"golang.org/x/net/bpf"
)

// MaxInsns bounds the length of a program.
const MaxInsns = 4096

// MaxTableID is the largest table ID a program may reference.
const MaxTableID = 0xffff

var (
	ErrEmpty        = errors.New("empty program")
	ErrTooLong      = errors.New("program too long")
	ErrBadOpcode    = errors.New("invalid opcode")
	ErrBadJump      = errors.New("jump out of range")
	ErrNoReturn     = errors.New("program does not end with return")
	ErrBadMem       = errors.New("invalid memory index")
	ErrUninitMem    = errors.New("read of uninitialized memory")
	ErrDivZero      = errors.New("division by constant zero")
	ErrBadCop       = errors.New("invalid coprocessor call")
	ErrBadTableCall = errors.New("table lookup without a valid table selector")
)

// Validate checks that raw is safe to execute: every opcode is known,
// jumps stay inside the program, it ends with a return, memory accesses
// are in range and initialized, and table lookups reference tables below
// ntables through an immediate selector.
func Validate(raw []bpf.RawInstruction, ntables int) error {
	n := len(raw)
	if n == 0 {
		return ErrEmpty
	}
	if n > MaxInsns {
		return ErrTooLong
	}
	if class(raw[n-1].Op) != clsRET {
		return ErrNoReturn
	}

	target := make([]bool, n)
	uninit := make([]uint16, n)
	uninit[0] = ^uint16(preinitMem)

	for pc, ins := range raw {
		in := uninit[pc]
		out := in
		succ := []int{pc + 1}

		switch class(ins.Op) {
		case clsLD, clsLDX:
			if err := checkLoad(ins, in); err != nil {
				return fmt.Errorf("insn %d: %w", pc, err)
			}
		case clsST, clsSTX:
			if ins.Op != clsST && ins.Op != clsSTX {
				return fmt.Errorf("insn %d: %w", pc, ErrBadOpcode)
			}
			if ins.K >= MemWords {
				return fmt.Errorf("insn %d: %w", pc, ErrBadMem)
			}
			out &^= 1 << ins.K
		case clsALU:
			if err := checkALU(ins); err != nil {
				return fmt.Errorf("insn %d: %w", pc, err)
			}
		case clsJMP:
			op := aluOp(ins.Op)
			if op == jmpJA {
				if src(ins.Op) != 0 {
					return fmt.Errorf("insn %d: %w", pc, ErrBadOpcode)
				}
				if uint64(pc)+1+uint64(ins.K) >= uint64(n) {
					return fmt.Errorf("insn %d: %w", pc, ErrBadJump)
				}
				succ = []int{pc + 1 + int(ins.K)}
				break
			}
			switch op {
			case jmpJEQ, jmpJGT, jmpJGE, jmpJSET:
			default:
				return fmt.Errorf("insn %d: %w", pc, ErrBadOpcode)
			}
			t, f := pc+1+int(ins.Jt), pc+1+int(ins.Jf)
			if t >= n || f >= n {
				return fmt.Errorf("insn %d: %w", pc, ErrBadJump)
			}
			succ = []int{t, f}
		case clsRET:
			switch ins.Op &^ clsRET {
			case retK, retA, retX:
			default:
				return fmt.Errorf("insn %d: %w", pc, ErrBadOpcode)
			}
			succ = nil
		case clsMISC:
			switch ins.Op &^ clsMISC {
			case miscTAX, miscTXA:
			case miscCOP:
				if err := checkCop(raw, pc, ntables); err != nil {
					return fmt.Errorf("insn %d: %w", pc, err)
				}
				if ins.K == FuncL3 {
					out &^= preinitMem
				}
			default:
				return fmt.Errorf("insn %d: %w", pc, ErrBadCop)
			}
		}

		for _, s := range succ {
			if s >= n {
				continue
			}
			uninit[s] |= out
			if s != pc+1 {
				target[s] = true
			}
		}
	}

	for pc, ins := range raw {
		if ins.Op == clsMISC|miscCOP && ins.K == FuncTable && target[pc] {
			return fmt.Errorf("insn %d: %w", pc, ErrBadTableCall)
		}
	}
	return nil
}

func checkLoad(ins bpf.RawInstruction, uninit uint16) error {
	isX := class(ins.Op) == clsLDX
	switch mode(ins.Op) {
	case modeIMM, modeLEN:
		if size(ins.Op) != szW {
			return ErrBadOpcode
		}
	case modeMEM:
		if size(ins.Op) != szW {
			return ErrBadOpcode
		}
		if ins.K >= MemWords {
			return ErrBadMem
		}
		if uninit&(1<<ins.K) != 0 {
			return ErrUninitMem
		}
	case modeABS, modeIND:
		if isX || size(ins.Op) == 0x18 {
			return ErrBadOpcode
		}
	case modeMSH:
		if !isX || size(ins.Op) != szB {
			return ErrBadOpcode
		}
	default:
		return ErrBadOpcode
	}
	return nil
}

func checkALU(ins bpf.RawInstruction) error {
	switch aluOp(ins.Op) {
	case aluADD, aluSUB, aluMUL, aluOR, aluAND, aluLSH, aluRSH, aluXOR:
	case aluNEG:
		return nil
	case aluDIV, aluMOD:
		if src(ins.Op) == srcK && ins.K == 0 {
			return ErrDivZero
		}
	default:
		return ErrBadOpcode
	}
	return nil
}

// checkCop validates a COP instruction. A table call must be preceded by
// "ld #selector" whose table ID is in range and carries no bits other than
// the ID and SelectSrc.
func checkCop(raw []bpf.RawInstruction, pc, ntables int) error {
	ins := raw[pc]
	switch ins.K {
	case FuncL3:
		return nil
	case FuncTable:
		if pc == 0 {
			return ErrBadTableCall
		}
		prev := raw[pc-1]
		if prev.Op != clsLD|szW|modeIMM {
			return ErrBadTableCall
		}
		tid := prev.K &^ SelectSrc
		if tid > MaxTableID || int(tid) >= ntables {
			return ErrBadTableCall
		}
		return nil
	}
	return ErrBadCop
}
