package filter

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// next is the label of the following instruction.
const next = -1

type node struct {
	ins bpf.Instruction

	cond   bool
	test   bpf.JumpTest
	val    uint32
	jt, jf int

	ja int
}

// gen lays out instructions with symbolic jump targets.
type gen struct {
	nodes  []node
	labels []int
}

func newGen() *gen { return &gen{} }

func (g *gen) label() int {
	g.labels = append(g.labels, -1)
	return len(g.labels) - 1
}

func (g *gen) place(l int) { g.labels[l] = len(g.nodes) }

func (g *gen) emit(ins bpf.Instruction) {
	g.nodes = append(g.nodes, node{ins: ins, ja: next})
}

func (g *gen) jump(test bpf.JumpTest, val uint32, jt, jf int) {
	g.nodes = append(g.nodes, node{cond: true, test: test, val: val, jt: jt, jf: jf, ja: next})
}

func (g *gen) ja(l int) {
	g.nodes = append(g.nodes, node{ja: l})
}

func (g *gen) target(l, pc int) (uint32, error) {
	if l == next {
		return 0, nil
	}
	pos := g.labels[l]
	if pos < 0 {
		return 0, fmt.Errorf("unplaced label %d", l)
	}
	if pos <= pc {
		return 0, fmt.Errorf("backward jump to label %d", l)
	}
	return uint32(pos - pc - 1), nil
}

func (g *gen) resolve() ([]bpf.Instruction, error) {
	out := make([]bpf.Instruction, 0, len(g.nodes))
	for pc, n := range g.nodes {
		switch {
		case n.cond:
			t, err := g.target(n.jt, pc)
			if err != nil {
				return nil, err
			}
			f, err := g.target(n.jf, pc)
			if err != nil {
				return nil, err
			}
			if t > 255 || f > 255 {
				return nil, ErrTooLarge
			}
			out = append(out, bpf.JumpIf{Cond: n.test, Val: n.val, SkipTrue: uint8(t), SkipFalse: uint8(f)})
		case n.ins == nil:
			k, err := g.target(n.ja, pc)
			if err != nil {
				return nil, err
			}
			out = append(out, bpf.Jump{Skip: k})
		default:
			out = append(out, n.ins)
		}
	}
	return out, nil
}
