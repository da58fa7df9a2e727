// Package planner chooses how a statement reads its tables: the access path
// of every FROM item, where each WHERE conjunct is checked, and whether the
// ORDER BY needs a sort.
//
// There is no cost model. Each table gets the first applicable path of
// row-id equality, index equality, row-id range, index range and full scan,
// and tables are joined by nested loops in FROM order.
package planner

import (
	"strings"

	"github.com/sushant-115/gojolite/core/catalog"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/query/parser"
	"github.com/sushant-115/gojolite/core/record"
)

// Slot locates the value a column reference reads.
type Slot struct {
	// Source is the position of the table in the FROM list.
	Source int
	// Column is the column position, or catalog.RowIDColumn.
	Column int
}

// Source is one table of the FROM list.
type Source struct {
	Table  *catalog.Table
	Name   string
	Access Access
	// Filters are the conjuncts checked once this source and every source
	// before it are positioned on a row.
	Filters []parser.Expr
}

// Output is one result column.
type Output struct {
	Name string
	Expr parser.Expr
}

// SortKey is one ORDER BY term.
type SortKey struct {
	Expr parser.Expr
	Desc bool
	// Output is the result column the term refers to, or -1.
	Output int
}

// Plan is the execution plan of a query or of the scan behind an UPDATE or
// DELETE.
type Plan struct {
	Sources []*Source
	// Refs resolves every column reference of the statement.
	Refs map[*parser.ColumnRef]Slot
	// Filters are conjuncts that reference no table.
	Filters []parser.Expr

	Output    []Output
	Aggregate bool
	Distinct  bool
	OrderBy   []SortKey
	// Ordered is set when the access path already yields OrderBy's order.
	Ordered bool
	Limit   parser.Expr
	Offset  parser.Expr
}

// OutputTable returns the name of the table result column i reads directly,
// or "" when the column is computed.
func (p *Plan) OutputTable(i int) string {
	ref, ok := p.Output[i].Expr.(*parser.ColumnRef)
	if !ok {
		return ""
	}
	slot, ok := p.Refs[ref]
	if !ok {
		return ""
	}
	return p.Sources[slot.Source].Table.Name
}

// Affinity returns the affinity an expression carries into a comparison:
// a column's declared affinity or a CAST's target type.
func (p *Plan) Affinity(e parser.Expr) (record.Affinity, bool) {
	switch x := e.(type) {
	case *parser.ColumnRef:
		slot, ok := p.Refs[x]
		if !ok {
			return 0, false
		}
		return p.Sources[slot.Source].Table.Affinity(slot.Column), true
	case *parser.CastExpr:
		return record.AffinityOf(x.Type), true
	}
	return 0, false
}

// CompareAffinity decides which operand of a comparison is converted
// before comparing. Columns with a numeric affinity convert the other
// operand when it is TEXT, BLOB or has no affinity; TEXT columns convert an
// operand without affinity.
func CompareAffinity(l record.Affinity, lok bool, r record.Affinity, rok bool) (toLeft, toRight *record.Affinity) {
	switch {
	case lok && numeric(l) && (!rok || !numeric(r)):
		return nil, &l
	case rok && numeric(r) && (!lok || !numeric(l)):
		return &r, nil
	case lok && l == record.AffinityText && !rok:
		return nil, &l
	case rok && r == record.AffinityText && !lok:
		return &r, nil
	}
	return nil, nil
}

func numeric(a record.Affinity) bool {
	return a == record.AffinityInteger || a == record.AffinityReal || a == record.AffinityNumeric
}

// PlanSelect plans a SELECT.
func PlanSelect(s *catalog.Schema, stmt *parser.SelectStmt) (*Plan, error) {
	p := &Plan{Refs: make(map[*parser.ColumnRef]Slot), Distinct: stmt.Distinct}
	if err := p.addSources(s, stmt.From); err != nil {
		return nil, err
	}
	if err := p.expandOutput(stmt.Columns); err != nil {
		return nil, err
	}
	var conds []parser.Expr
	for _, ref := range stmt.From {
		if ref.On != nil {
			conds = append(conds, ref.On)
		}
	}
	if stmt.Where != nil {
		conds = append(conds, stmt.Where)
	}
	for _, c := range conds {
		if err := p.bind(c, false); err != nil {
			return nil, err
		}
	}
	for _, o := range p.Output {
		if err := p.bind(o.Expr, true); err != nil {
			return nil, err
		}
		if HasAggregate(o.Expr) {
			p.Aggregate = true
		}
	}
	if err := p.planOrder(stmt.OrderBy); err != nil {
		return nil, err
	}
	for _, e := range []parser.Expr{stmt.Limit, stmt.Offset} {
		if err := p.bindConstant(e); err != nil {
			return nil, err
		}
	}
	p.Limit, p.Offset = stmt.Limit, stmt.Offset
	p.place(conds)
	p.chooseAccess()
	p.elideSort()
	return p, nil
}

// PlanScan plans the row selection of an UPDATE or DELETE on table. exprs
// are further expressions evaluated against the selected rows.
func PlanScan(s *catalog.Schema, table string, where parser.Expr, exprs ...parser.Expr) (*Plan, error) {
	p := &Plan{Refs: make(map[*parser.ColumnRef]Slot)}
	if err := p.addSources(s, []parser.TableRef{{Name: table}}); err != nil {
		return nil, err
	}
	for _, e := range append([]parser.Expr{where}, exprs...) {
		if err := p.bind(e, false); err != nil {
			return nil, err
		}
	}
	var conds []parser.Expr
	if where != nil {
		conds = append(conds, where)
	}
	p.place(conds)
	p.chooseAccess()
	return p, nil
}

// PlanValues checks expressions that may reference no column, such as the
// rows of INSERT ... VALUES.
func PlanValues(exprs ...parser.Expr) (*Plan, error) {
	p := &Plan{Refs: make(map[*parser.ColumnRef]Slot)}
	for _, e := range exprs {
		if err := p.bindConstant(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) addSources(s *catalog.Schema, from []parser.TableRef) error {
	for _, ref := range from {
		t, ok := s.Table(ref.Name)
		if !ok {
			return dberror.New(dberror.KindSchema, "no such table: %s", ref.Name)
		}
		for _, other := range p.Sources {
			if strings.EqualFold(other.Name, ref.RefName()) {
				return dberror.New(dberror.KindSchema, "ambiguous table name: %s", ref.RefName())
			}
		}
		p.Sources = append(p.Sources, &Source{Table: t, Name: ref.RefName()})
	}
	return nil
}

func (p *Plan) expandOutput(cols []parser.ResultColumn) error {
	for _, rc := range cols {
		if !rc.Star {
			name := rc.Alias
			if name == "" {
				name = rc.Text
				if ref, ok := rc.Expr.(*parser.ColumnRef); ok {
					name = ref.Column
				}
			}
			p.Output = append(p.Output, Output{Name: name, Expr: rc.Expr})
			continue
		}
		if len(p.Sources) == 0 {
			return dberror.New(dberror.KindSchema, "no tables specified")
		}
		matched := false
		for _, src := range p.Sources {
			if rc.Table != "" && !strings.EqualFold(rc.Table, src.Name) {
				continue
			}
			matched = true
			for _, c := range src.Table.Columns {
				p.Output = append(p.Output, Output{
					Name: c.Name,
					Expr: &parser.ColumnRef{Table: src.Name, Column: c.Name},
				})
			}
		}
		if !matched {
			return dberror.New(dberror.KindSchema, "no such table: %s", rc.Table)
		}
	}
	return nil
}

// bind resolves the column references of e.
func (p *Plan) bind(e parser.Expr, allowAggregate bool) error {
	var err error
	parser.Walk(e, func(x parser.Expr) bool {
		if err != nil {
			return false
		}
		switch n := x.(type) {
		case *parser.ColumnRef:
			var slot Slot
			if slot, err = p.resolve(n); err == nil {
				p.Refs[n] = slot
			}
		case *parser.FuncCall:
			if IsAggregate(n) {
				if !allowAggregate {
					err = dberror.New(dberror.KindSchema, "misuse of aggregate function %s()", n.Name)
					return false
				}
				for _, a := range n.Args {
					if HasAggregate(a) {
						err = dberror.New(dberror.KindSchema, "misuse of aggregate function %s()", n.Name)
						return false
					}
				}
			}
		}
		return true
	})
	return err
}

func (p *Plan) bindConstant(e parser.Expr) error {
	var err error
	parser.Walk(e, func(x parser.Expr) bool {
		if err != nil {
			return false
		}
		switch n := x.(type) {
		case *parser.ColumnRef:
			err = dberror.New(dberror.KindSchema, "no such column: %s", n.String())
		case *parser.FuncCall:
			if IsAggregate(n) {
				err = dberror.New(dberror.KindSchema, "misuse of aggregate function %s()", n.Name)
			}
		}
		return err == nil
	})
	return err
}

func (p *Plan) resolve(ref *parser.ColumnRef) (Slot, error) {
	found := Slot{Source: -1}
	for i, src := range p.Sources {
		if ref.Table != "" && !strings.EqualFold(ref.Table, src.Name) {
			continue
		}
		col, ok := src.Table.ColumnIndex(ref.Column)
		if !ok {
			continue
		}
		if found.Source >= 0 {
			return found, dberror.New(dberror.KindSchema, "ambiguous column name: %s", ref.String())
		}
		found = Slot{Source: i, Column: col}
	}
	if found.Source < 0 {
		return found, dberror.New(dberror.KindSchema, "no such column: %s", ref.String())
	}
	return found, nil
}

// depth is the position of the innermost source e references, -1 when e
// references none.
func (p *Plan) depth(e parser.Expr) int {
	d := -1
	parser.Walk(e, func(x parser.Expr) bool {
		if ref, ok := x.(*parser.ColumnRef); ok {
			if slot, ok := p.Refs[ref]; ok && slot.Source > d {
				d = slot.Source
			}
		}
		return true
	})
	return d
}

// place attaches every conjunct to the shallowest source where all the
// columns it reads are available.
func (p *Plan) place(conds []parser.Expr) {
	for _, c := range conds {
		for _, term := range Conjuncts(c) {
			if d := p.depth(term); d >= 0 {
				p.Sources[d].Filters = append(p.Sources[d].Filters, term)
			} else {
				p.Filters = append(p.Filters, term)
			}
		}
	}
}

// Conjuncts splits e on AND.
func Conjuncts(e parser.Expr) []parser.Expr {
	if b, ok := e.(*parser.BinaryExpr); ok && b.Op == parser.OpAnd {
		return append(Conjuncts(b.L), Conjuncts(b.R)...)
	}
	if e == nil {
		return nil
	}
	return []parser.Expr{e}
}

var aggregates = map[string]bool{
	"COUNT": true, "SUM": true, "TOTAL": true, "AVG": true,
	"MIN": true, "MAX": true, "GROUP_CONCAT": true,
}

// IsAggregate reports whether call is an aggregate. MIN and MAX with more
// than one argument are scalar functions.
func IsAggregate(call *parser.FuncCall) bool {
	if !aggregates[call.Name] {
		return false
	}
	if call.Name == "MIN" || call.Name == "MAX" {
		return len(call.Args) == 1
	}
	return true
}

// HasAggregate reports whether e contains an aggregate call.
func HasAggregate(e parser.Expr) bool {
	found := false
	parser.Walk(e, func(x parser.Expr) bool {
		if call, ok := x.(*parser.FuncCall); ok && IsAggregate(call) {
			found = true
		}
		return !found
	})
	return found
}
