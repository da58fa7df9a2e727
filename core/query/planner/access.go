package planner

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
)

// AccessKind is how a source's rows are located.
type AccessKind int

const (
	FullScan AccessKind = iota
	RowIDLookup
	RowIDRange
	IndexLookup
	IndexRange
	// IndexScan walks a whole index to produce rows in its order.
	IndexScan
)

func (k AccessKind) String() string {
	switch k {
	case RowIDLookup:
		return "rowid-lookup"
	case RowIDRange:
		return "rowid-range"
	case IndexLookup:
		return "index-lookup"
	case IndexRange:
		return "index-range"
	case IndexScan:
		return "index-scan"
	default:
		return "full-scan"
	}
}

// Bound is one end of a range. The executor treats both ends as inclusive
// and leaves exact comparison to the source's filters.
type Bound struct {
	Expr parser.Expr
	// Convert is the affinity applied to the bound's value, if any.
	Convert *record.Affinity
}

// Access is the access path of one source.
type Access struct {
	Kind AccessKind
	// Index is set for the index kinds.
	Index *catalog.Index
	// Column is the constrained column.
	Column int
	Eq     *Bound
	Lo, Hi *Bound
}

// term is a conjunct of the form column op expr on the source being
// planned, with expr computable from the outer sources.
type term struct {
	column int
	op     parser.BinaryOp
	bound  parser.Expr
}

func (p *Plan) chooseAccess() {
	for i, src := range p.Sources {
		var terms []term
		for _, f := range src.Filters {
			terms = append(terms, p.terms(i, f)...)
		}
		src.Access = p.bestAccess(src, terms)
	}
}

// terms extracts the usable comparisons of conjunct f for source i.
func (p *Plan) terms(i int, f parser.Expr) []term {
	switch x := f.(type) {
	case *parser.BinaryExpr:
		if !x.Op.Comparison() || x.Op == parser.OpNe {
			return nil
		}
		if col, ok := p.columnOf(i, x.L); ok && p.depth(x.R) < i && !HasAggregate(x.R) {
			return []term{{column: col, op: x.Op, bound: x.R}}
		}
		if col, ok := p.columnOf(i, x.R); ok && p.depth(x.L) < i && !HasAggregate(x.L) {
			return []term{{column: col, op: x.Op.Swap(), bound: x.L}}
		}
	case *parser.BetweenExpr:
		if x.Not {
			return nil
		}
		col, ok := p.columnOf(i, x.X)
		if !ok || p.depth(x.Lo) >= i || p.depth(x.Hi) >= i {
			return nil
		}
		return []term{{column: col, op: parser.OpGe, bound: x.Lo}, {column: col, op: parser.OpLe, bound: x.Hi}}
	}
	return nil
}

func (p *Plan) columnOf(i int, e parser.Expr) (int, bool) {
	ref, ok := e.(*parser.ColumnRef)
	if !ok {
		return 0, false
	}
	slot, ok := p.Refs[ref]
	if !ok || slot.Source != i {
		return 0, false
	}
	return slot.Column, true
}

// seekable reports whether a seek on a column of affinity colAff with the
// value of bound finds every row the comparison accepts. It is not when the
// comparison would convert the column's values instead of the bound.
func (p *Plan) seekable(colAff record.Affinity, bound parser.Expr) (*record.Affinity, bool) {
	bAff, bok := p.Affinity(bound)
	toCol, toBound := CompareAffinity(colAff, true, bAff, bok)
	if toCol != nil {
		return nil, false
	}
	if toBound != nil {
		// The column's own affinity is what stored values went through.
		a := colAff
		return &a, true
	}
	return nil, true
}

func (p *Plan) bestAccess(src *Source, terms []term) Access {
	t := src.Table
	rowidTerms := func() (eq, lo, hi *Bound) {
		for _, tm := range terms {
			if !t.IsRowID(tm.column) {
				continue
			}
			conv, ok := p.seekable(record.AffinityInteger, tm.bound)
			if !ok {
				continue
			}
			b := &Bound{Expr: tm.bound, Convert: conv}
			switch tm.op {
			case parser.OpEq:
				if eq == nil {
					eq = b
				}
			case parser.OpGt, parser.OpGe:
				if lo == nil {
					lo = b
				}
			case parser.OpLt, parser.OpLe:
				if hi == nil {
					hi = b
				}
			}
		}
		return
	}
	indexTerms := func(ix *catalog.Index) (eq, lo, hi *Bound) {
		col := ix.Columns[0]
		for _, tm := range terms {
			if tm.column != col {
				continue
			}
			conv, ok := p.seekable(t.Affinity(col), tm.bound)
			if !ok {
				continue
			}
			b := &Bound{Expr: tm.bound, Convert: conv}
			switch tm.op {
			case parser.OpEq:
				if eq == nil {
					eq = b
				}
			case parser.OpGt, parser.OpGe:
				if lo == nil {
					lo = b
				}
			case parser.OpLt, parser.OpLe:
				if hi == nil {
					hi = b
				}
			}
		}
		return
	}

	rEq, rLo, rHi := rowidTerms()
	if rEq != nil {
		return Access{Kind: RowIDLookup, Column: catalog.RowIDColumn, Eq: rEq}
	}
	// Unique indexes first: an equality on them yields at most one row.
	var lookup, rng *Access
	for _, unique := range []bool{true, false} {
		for _, ix := range t.Indexes {
			if ix.Unique != unique {
				continue
			}
			eq, lo, hi := indexTerms(ix)
			switch {
			case eq != nil && lookup == nil:
				lookup = &Access{Kind: IndexLookup, Index: ix, Column: ix.Columns[0], Eq: eq}
			case (lo != nil || hi != nil) && rng == nil:
				rng = &Access{Kind: IndexRange, Index: ix, Column: ix.Columns[0], Lo: lo, Hi: hi}
			}
		}
	}
	switch {
	case lookup != nil:
		return *lookup
	case rLo != nil || rHi != nil:
		return Access{Kind: RowIDRange, Column: catalog.RowIDColumn, Lo: rLo, Hi: rHi}
	case rng != nil:
		return *rng
	}
	return Access{Kind: FullScan}
}

// planOrder resolves ORDER BY terms. A bare name matching a result column
// alias and an integer literal refer to result columns.
func (p *Plan) planOrder(terms []parser.OrderTerm) error {
	for _, ot := range terms {
		key := SortKey{Expr: ot.Expr, Desc: ot.Desc, Output: -1}
		switch x := ot.Expr.(type) {
		case *parser.Literal:
			if n, ok := x.Value.(int64); ok {
				if n < 1 || int(n) > len(p.Output) {
					return dberror.New(dberror.KindSchema, "ORDER BY term out of range - should be between 1 and %d", len(p.Output))
				}
				key.Output = int(n) - 1
				key.Expr = p.Output[key.Output].Expr
			}
		case *parser.ColumnRef:
			if x.Table == "" {
				for i, o := range p.Output {
					if strings.EqualFold(o.Name, x.Column) && !isPlainColumn(o.Expr, x.Column) {
						key.Output = i
						key.Expr = o.Expr
						break
					}
				}
			}
		}
		if key.Output < 0 {
			if err := p.bind(key.Expr, p.Aggregate); err != nil {
				return err
			}
		}
		p.OrderBy = append(p.OrderBy, key)
	}
	return nil
}

// isPlainColumn reports whether e is a reference to the column name itself,
// in which case resolving through the alias changes nothing.
func isPlainColumn(e parser.Expr, name string) bool {
	ref, ok := e.(*parser.ColumnRef)
	return ok && strings.EqualFold(ref.Column, name)
}

// order returns the column order in which source 0's access path yields
// rows: the indexed columns then the row id, or the row id alone.
func (p *Plan) order(a Access) []int {
	switch a.Kind {
	case IndexLookup, IndexRange, IndexScan:
		return append(append([]int(nil), a.Index.Columns...), catalog.RowIDColumn)
	}
	return []int{catalog.RowIDColumn}
}

// satisfies reports whether the ORDER BY is a prefix of the order access a
// yields on source 0.
func (p *Plan) satisfies(a Access) bool {
	if len(p.OrderBy) == 0 || len(p.Sources) == 0 {
		return false
	}
	t := p.Sources[0].Table
	order := p.order(a)
	if len(p.OrderBy) > len(order) {
		return false
	}
	for i, key := range p.OrderBy {
		if key.Desc {
			return false
		}
		ref, ok := key.Expr.(*parser.ColumnRef)
		if !ok {
			return false
		}
		slot, ok := p.Refs[ref]
		if !ok || slot.Source != 0 {
			return false
		}
		want := order[i]
		if slot.Column != want && !(t.IsRowID(slot.Column) && want == catalog.RowIDColumn) {
			return false
		}
	}
	return true
}

func (p *Plan) elideSort() {
	if p.Aggregate || len(p.OrderBy) == 0 || len(p.Sources) == 0 {
		return
	}
	src := p.Sources[0]
	if p.satisfies(src.Access) {
		p.Ordered = true
		return
	}
	if src.Access.Kind != FullScan {
		return
	}
	for _, ix := range src.Table.Indexes {
		scan := Access{Kind: IndexScan, Index: ix, Column: ix.Columns[0]}
		if p.satisfies(scan) {
			src.Access = scan
			p.Ordered = true
			return
		}
	}
}

// Details describes the plan one line per step, in the style of EXPLAIN
// QUERY PLAN.
func (p *Plan) Details() []string {
	var out []string
	for _, src := range p.Sources {
		out = append(out, src.describe())
	}
	if len(p.Sources) == 0 {
		out = append(out, "SCAN CONSTANT ROW")
	}
	if len(p.OrderBy) > 0 && !p.Ordered && !p.Aggregate {
		out = append(out, "USE TEMP B-TREE FOR ORDER BY")
	}
	return out
}

func (p *Plan) String() string { return strings.Join(p.Details(), "\n") }

func (src *Source) describe() string {
	name := src.Table.Name
	if !strings.EqualFold(src.Name, name) {
		name += " AS " + src.Name
	}
	a := src.Access
	col := func() string {
		if a.Column == catalog.RowIDColumn || src.Table.IsRowID(a.Column) {
			return "rowid"
		}
		return src.Table.Columns[a.Column].Name
	}
	rangeText := func() string {
		var parts []string
		if a.Lo != nil {
			parts = append(parts, col()+">?")
		}
		if a.Hi != nil {
			parts = append(parts, col()+"<?")
		}
		return strings.Join(parts, " AND ")
	}
	switch a.Kind {
	case RowIDLookup:
		return fmt.Sprintf("SEARCH %s USING INTEGER PRIMARY KEY (rowid=?)", name)
	case RowIDRange:
		return fmt.Sprintf("SEARCH %s USING INTEGER PRIMARY KEY (%s)", name, rangeText())
	case IndexLookup:
		return fmt.Sprintf("SEARCH %s USING %s (%s=?)", name, indexLabel(a.Index), col())
	case IndexRange:
		return fmt.Sprintf("SEARCH %s USING %s (%s)", name, indexLabel(a.Index), rangeText())
	case IndexScan:
		return fmt.Sprintf("SCAN %s USING %s", name, indexLabel(a.Index))
	}
	return "SCAN " + name
}

func indexLabel(ix *catalog.Index) string { return "INDEX " + ix.Name }
