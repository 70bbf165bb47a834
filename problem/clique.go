package problem

import (
	"github.com/bits-and-blooms/bitset"
)

// Literal encodes a variable or its negation for the clique table:
// var<<1 for x, var<<1|1 for (1-x). Only binary variables appear in
// cliques.
type Literal uint32

// NewLiteral builds the literal for v, negated if neg.
func NewLiteral(v VarID, neg bool) Literal {
	l := Literal(v) << 1
	if neg {
		l |= 1
	}
	return l
}

func (l Literal) Var() VarID    { return VarID(l >> 1) }
func (l Literal) Negated() bool { return l&1 == 1 }

// CliqueTable stores "at most one of these literals is true" sets. The
// table is append-only during presolving and search; Compact drops cliques
// that fixings have made trivial.
type CliqueTable struct {
	cliques []*bitset.BitSet
	// literal -> clique ids, rebuilt on compaction
	byLit map[Literal][]int

	nCompactions int
	dirty        int
}

// NewCliqueTable creates an empty table.
func NewCliqueTable() *CliqueTable {
	return &CliqueTable{byLit: make(map[Literal][]int)}
}

// NCliques returns the number of live cliques.
func (ct *CliqueTable) NCliques() int {
	n := 0
	for _, bs := range ct.cliques {
		if bs != nil {
			n++
		}
	}
	return n
}

// Add appends a clique over the given literals and returns its id.
// Cliques with fewer than two literals carry no information and are
// rejected with id -1.
func (ct *CliqueTable) Add(lits []Literal) int {
	if len(lits) < 2 {
		return -1
	}
	bs := bitset.New(uint(len(lits)))
	for _, l := range lits {
		bs.Set(uint(l))
	}
	id := len(ct.cliques)
	ct.cliques = append(ct.cliques, bs)
	for _, l := range lits {
		ct.byLit[l] = append(ct.byLit[l], id)
	}
	return id
}

// CliquesOf returns the ids of cliques containing lit.
func (ct *CliqueTable) CliquesOf(lit Literal) []int { return ct.byLit[lit] }

// ForEach visits the literals of clique id.
func (ct *CliqueTable) ForEach(id int, fn func(Literal) bool) {
	bs := ct.cliques[id]
	if bs == nil {
		return
	}
	for l, ok := bs.NextSet(0); ok; l, ok = bs.NextSet(l + 1) {
		if !fn(Literal(l)) {
			return
		}
	}
}

// Implications derives fixings from a literal being true: every other
// literal in a common clique must be false. fn receives the implied-zero
// literal; returning false stops the walk.
func (ct *CliqueTable) Implications(lit Literal, fn func(Literal) bool) {
	for _, id := range ct.byLit[lit] {
		bs := ct.cliques[id]
		if bs == nil {
			continue
		}
		stop := false
		for l, ok := bs.NextSet(0); ok; l, ok = bs.NextSet(l + 1) {
			if Literal(l) == lit {
				continue
			}
			if !fn(Literal(l)) {
				stop = true
				break
			}
		}
		if stop {
			return
		}
	}
}

// Compact removes literals of fixed or removed variables and drops cliques
// that shrink below two literals. The literal index is rebuilt. Returns the
// number of dropped cliques.
func (ct *CliqueTable) Compact(p *Problem) int {
	dropped := 0
	cleared := 0
	for id, bs := range ct.cliques {
		if bs == nil {
			continue
		}
		for l, ok := bs.NextSet(0); ok; l, ok = bs.NextSet(l + 1) {
			v := p.Var(Literal(l).Var())
			if v.deleted || v.Fixed() {
				bs.Clear(l)
				cleared++
			}
		}
		if bs.Count() < 2 {
			ct.cliques[id] = nil
			dropped++
		}
	}
	if cleared == 0 && dropped == 0 {
		ct.dirty = 0
		return 0
	}
	ct.byLit = make(map[Literal][]int, len(ct.byLit))
	for id, bs := range ct.cliques {
		if bs == nil {
			continue
		}
		for l, ok := bs.NextSet(0); ok; l, ok = bs.NextSet(l + 1) {
			ct.byLit[Literal(l)] = append(ct.byLit[Literal(l)], id)
		}
	}
	ct.nCompactions++
	ct.dirty = 0
	return dropped
}

// MarkDirty tells the table a fixing touched one of its literals; the
// presolve loop compacts once enough entries are dirty.
func (ct *CliqueTable) MarkDirty() { ct.dirty++ }

// Dirty returns the number of fixings since the last compaction.
func (ct *CliqueTable) Dirty() int { return ct.dirty }

// Clone deep-copies the table.
func (ct *CliqueTable) Clone() *CliqueTable {
	c := NewCliqueTable()
	c.cliques = make([]*bitset.BitSet, len(ct.cliques))
	for i, bs := range ct.cliques {
		if bs != nil {
			c.cliques[i] = bs.Clone()
		}
	}
	for l, ids := range ct.byLit {
		c.byLit[l] = append([]int(nil), ids...)
	}
	c.nCompactions = ct.nCompactions
	c.dirty = ct.dirty
	return c
}
