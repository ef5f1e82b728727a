// Package ir - AST to flow graph conversion
// Design: single pass, locals in frame slots, arguments pushed in evaluation
// order, phis only where conditional expressions merge.
package ir

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Library resolves the names a function body refers to.
type Library interface {
	LookupClass(name string) (*object.Class, bool)
	LookupStatic(name string) (*object.Function, bool)
}

// Builder converts one function body into a flow graph. Feedback found in
// the table is attached to each dispatching computation as it is created.
type Builder struct {
	lib      Library
	feedback *feedback.Table
	ids      *IDAllocator[int]

	g         *Graph
	current   BlockID
	locals    map[string]*Local
	tryIndex  int
	catchVars []*Local
}

// NewBuilder creates a builder. fb may be nil.
func NewBuilder(lib Library, fb *feedback.Table, ids *IDAllocator[int]) *Builder {
	return &Builder{lib: lib, feedback: fb, ids: ids}
}

// Build produces a verified graph for fn.
func (b *Builder) Build(fn *object.Function) (*Graph, error) {
	body := fn.Body
	if body == nil {
		return nil, errors.Errorf("%s has no body", fn.QualifiedName())
	}
	g := NewGraph(fn.QualifiedName(), fn)
	b.g = g
	b.tryIndex = NoTryIndex
	b.catchVars = nil
	if err := b.declareLocals(body); err != nil {
		return nil, err
	}

	entry := g.NewBlock(GraphEntryBlock, NoTryIndex)
	g.Entry = entry.ID
	normal := g.NewBlock(TargetBlock, NoTryIndex)
	g.GraphEntry().Normal = normal.ID
	g.addPred(normal.ID, entry.ID)
	b.current = normal.ID

	if err := b.statements(body.Body); err != nil {
		return nil, errors.Wrapf(err, "build %s", g.Name)
	}
	if b.current != NoBlock {
		b.g.Append(b.current, &Return{Value: Const{}, TokenPos: body.End, DeoptID: b.ids.Next()})
		b.current = NoBlock
	}

	g.ComputeOrder()
	g.ComputeDominators()
	b.numberTemps()
	if err := g.Verify(); err != nil {
		return nil, errors.Wrapf(err, "build %s", g.Name)
	}
	logger.LogGraphBuilt(g.Name, len(g.postorder), g.NumInstrs())
	return g, nil
}

func (b *Builder) declareLocals(body *ast.Function) error {
	b.locals = make(map[string]*Local)
	n := len(body.Params)
	b.g.NumParams = n
	for i, name := range body.Params {
		if _, dup := b.locals[name]; dup {
			return errors.Errorf("%s: duplicate parameter %s", body.Name, name)
		}
		l := &Local{Name: name, Index: n - 1 - i + 2, IsParam: true, Pos: body.Pos, End: body.End}
		b.locals[name] = l
		b.g.Locals = append(b.g.Locals, l)
	}
	next := 0
	declare := func(name string, pos int) {
		if _, ok := b.locals[name]; ok {
			return
		}
		l := &Local{Name: name, Index: -1 - next, Pos: pos, End: body.End}
		next++
		b.locals[name] = l
		b.g.Locals = append(b.g.Locals, l)
	}
	var walk func(stmts []ast.Stmt)
	walk = func(stmts []ast.Stmt) {
		for _, s := range stmts {
			switch s := s.(type) {
			case *ast.Assign:
				declare(s.Name, s.Pos)
			case *ast.If:
				walk(s.Then)
				walk(s.Else)
			case *ast.While:
				walk(s.Body)
			case *ast.TryCatch:
				walk(s.Body)
				declare(s.CatchVar, s.Pos)
				walk(s.Catch)
			}
		}
	}
	walk(body.Body)
	return nil
}

// numberTemps assigns unoptimized frame temps to every value in block
// order.
func (b *Builder) numberTemps() {
	n := 0
	for _, id := range b.g.ReversePostorder() {
		for _, phi := range b.g.blocks[id].Phis {
			b.g.instrs[phi].Temp = n
			n++
		}
		for _, in := range b.g.Instructions(id) {
			if _, ok := in.Inst.(*Bind); ok {
				in.Temp = n
				n++
			}
		}
	}
	b.g.NumTemps = n
}

// Emission helpers

func (b *Builder) info(pos int) Info {
	info := Info{DeoptID: b.ids.Next(), TokenPos: pos}
	if ic, ok := b.feedback.Lookup(info.DeoptID); ok {
		info.IC = ic
	}
	return info
}

func (b *Builder) bind(c Computation) Use {
	return Use{Def: b.g.Append(b.current, &Bind{Comp: c})}
}

func (b *Builder) do(c Computation) {
	b.g.Append(b.current, &Do{Comp: c})
}

func (b *Builder) push(v Value) InstrID {
	return b.g.Append(b.current, &PushArgument{Value: v})
}

func (b *Builder) newTarget() BlockID { return b.g.NewBlock(TargetBlock, b.tryIndex).ID }
func (b *Builder) newJoin() BlockID   { return b.g.NewBlock(JoinBlock, b.tryIndex).ID }

func (b *Builder) jump(target BlockID) {
	b.g.Append(b.current, &Goto{Target: target})
	b.current = NoBlock
}

func (b *Builder) branch(cond Value, t, f BlockID) {
	b.g.Append(b.current, &Branch{Value: cond, True: t, False: f})
	b.current = NoBlock
}

// definition turns a constant into a Bind so it can flow into a phi.
func (b *Builder) definition(v Value, pos int) Value {
	if c, ok := v.(Const); ok {
		return b.bind(&Constant{Info: b.info(pos), Val: c.Val})
	}
	return v
}

func (b *Builder) local(name string) (*Local, error) {
	l, ok := b.locals[name]
	if !ok {
		return nil, errors.Errorf("undefined variable %s", name)
	}
	return l, nil
}

// Statements

func (b *Builder) statements(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if b.current == NoBlock {
			return nil
		}
		if err := b.statement(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) statement(stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		v, err := b.value(s.X)
		if err != nil {
			return err
		}
		b.discard(v)
		return nil

	case *ast.Assign:
		l, err := b.local(s.Name)
		if err != nil {
			return err
		}
		v, err := b.value(s.Value)
		if err != nil {
			return err
		}
		b.do(&StoreLocal{Info: b.info(s.Pos), Local: l, Value: v})
		return nil

	case *ast.SetField:
		args, err := b.pushAll(s.Object, s.Value)
		if err != nil {
			return err
		}
		b.do(&InstanceSetter{Info: b.info(s.Pos), Field: s.Field, Args: args})
		return nil

	case *ast.SetIndex:
		args, err := b.pushAll(s.Object, s.Index, s.Value)
		if err != nil {
			return err
		}
		b.do(&StoreIndexed{Info: b.info(s.Pos), Args: args})
		return nil

	case *ast.If:
		return b.ifStatement(s)

	case *ast.While:
		return b.whileStatement(s)

	case *ast.Return:
		var v Value = Const{}
		if s.Value != nil {
			var err error
			if v, err = b.value(s.Value); err != nil {
				return err
			}
		}
		b.g.Append(b.current, &Return{Value: v, TokenPos: s.Pos, DeoptID: b.ids.Next()})
		b.current = NoBlock
		return nil

	case *ast.Throw:
		v, err := b.value(s.Value)
		if err != nil {
			return err
		}
		b.g.Append(b.current, &Throw{Exception: v, TokenPos: s.Pos, DeoptID: b.ids.Next()})
		b.current = NoBlock
		return nil

	case *ast.Rethrow:
		if len(b.catchVars) == 0 {
			return errors.Errorf("rethrow outside of a catch block at %d", s.Pos)
		}
		v := b.bind(&LoadLocal{Info: b.info(s.Pos), Local: b.catchVars[len(b.catchVars)-1]})
		b.g.Append(b.current, &ReThrow{Exception: v, TokenPos: s.Pos, DeoptID: b.ids.Next()})
		b.current = NoBlock
		return nil

	case *ast.TryCatch:
		return b.tryCatch(s)
	}
	return errors.Errorf("unsupported statement %T", stmt)
}

// discard turns the Bind that produced an unused value into a Do.
func (b *Builder) discard(v Value) {
	u, ok := v.(Use)
	if !ok || b.current == NoBlock {
		return
	}
	blk := b.g.blocks[b.current]
	if blk.Last != u.Def {
		return
	}
	if bind, ok := b.g.instrs[u.Def].Inst.(*Bind); ok {
		b.g.instrs[u.Def].Inst = &Do{Comp: bind.Comp}
	}
}

func (b *Builder) ifStatement(s *ast.If) error {
	cond, err := b.value(s.Cond)
	if err != nil {
		return err
	}
	thenB, elseB := b.newTarget(), b.newTarget()
	b.branch(cond, thenB, elseB)

	join := NoBlock
	arms := []struct {
		block BlockID
		body  []ast.Stmt
	}{{thenB, s.Then}, {elseB, s.Else}}
	for _, arm := range arms {
		b.current = arm.block
		if err := b.statements(arm.body); err != nil {
			return err
		}
		if b.current != NoBlock {
			if join == NoBlock {
				join = b.newJoin()
			}
			b.jump(join)
		}
	}
	b.current = join
	return nil
}

func (b *Builder) whileStatement(s *ast.While) error {
	header := b.newJoin()
	b.jump(header)
	b.current = header
	cond, err := b.value(s.Cond)
	if err != nil {
		return err
	}
	body, exit := b.newTarget(), b.newTarget()
	b.branch(cond, body, exit)

	b.current = body
	if err := b.statements(s.Body); err != nil {
		return err
	}
	if b.current != NoBlock {
		b.jump(header)
	}
	b.current = exit
	return nil
}

func (b *Builder) tryCatch(s *ast.TryCatch) error {
	idx := b.g.NumTries
	b.g.NumTries++
	outer := b.tryIndex

	catchB := b.g.NewBlock(TargetBlock, outer)
	catchB.CatchTryIndex = idx
	ge := b.g.GraphEntry()
	ge.CatchEntries = append(ge.CatchEntries, catchB.ID)
	b.g.addPred(catchB.ID, b.g.Entry)

	b.tryIndex = idx
	bodyB := b.newTarget()
	b.jump(bodyB)
	b.current = bodyB
	err := b.statements(s.Body)
	b.tryIndex = outer
	if err != nil {
		return err
	}

	join := NoBlock
	if b.current != NoBlock {
		join = b.newJoin()
		b.jump(join)
	}

	b.current = catchB.ID
	l, err := b.local(s.CatchVar)
	if err != nil {
		return err
	}
	b.do(&CatchEntry{Info: b.info(s.Pos), Exception: l, TryIndex: idx})
	b.catchVars = append(b.catchVars, l)
	err = b.statements(s.Catch)
	b.catchVars = b.catchVars[:len(b.catchVars)-1]
	if err != nil {
		return err
	}
	if b.current != NoBlock {
		if join == NoBlock {
			join = b.newJoin()
		}
		b.jump(join)
	}
	b.current = join
	return nil
}

// Expressions

func (b *Builder) pushAll(exprs ...ast.Expr) ([]InstrID, error) {
	args := make([]InstrID, 0, len(exprs))
	for _, e := range exprs {
		v, err := b.value(e)
		if err != nil {
			return nil, err
		}
		args = append(args, b.push(v))
	}
	return args, nil
}

func (b *Builder) instanceCall(name string, tok ast.Token, pos, tested int, args []InstrID) Use {
	return b.bind(&InstanceCall{
		Info:          b.info(pos),
		Selector:      name,
		Token:         tok,
		ArgCount:      len(args),
		NumArgsTested: tested,
		Args:          args,
	})
}

func (b *Builder) value(expr ast.Expr) (Value, error) {
	switch e := expr.(type) {
	case *ast.Literal:
		return literal(e)

	case *ast.Ident:
		l, err := b.local(e.Name)
		if err != nil {
			return nil, err
		}
		return b.bind(&LoadLocal{Info: b.info(e.Pos), Local: l}), nil

	case *ast.Binary:
		if !e.Op.IsBinary() {
			return nil, errors.Errorf("%s is not a binary operator", e.Op)
		}
		args, err := b.pushAll(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return b.instanceCall(e.Op.MethodName(), e.Op, e.Pos, 2, args), nil

	case *ast.Unary:
		if e.Op == ast.LogicalNot {
			return b.negate(e.X, e.Pos)
		}
		if !e.Op.IsUnary() {
			return nil, errors.Errorf("%s is not a unary operator", e.Op)
		}
		args, err := b.pushAll(e.X)
		if err != nil {
			return nil, err
		}
		return b.instanceCall(e.Op.MethodName(), e.Op, e.Pos, 1, args), nil

	case *ast.Not:
		return b.negate(e.X, e.Pos)

	case *ast.Compare:
		return b.compare(e)

	case *ast.Logical:
		return b.logical(e)

	case *ast.Conditional:
		return b.conditional(e)

	case *ast.GetField:
		args, err := b.pushAll(e.Object)
		if err != nil {
			return nil, err
		}
		return b.instanceCall(object.GetterName(e.Field), ast.Get, e.Pos, 1, args), nil

	case *ast.IndexExpr:
		args, err := b.pushAll(e.Object, e.Index)
		if err != nil {
			return nil, err
		}
		return b.bind(&LoadIndexed{Info: b.info(e.Pos), Args: args}), nil

	case *ast.Call:
		return b.call(e)

	case *ast.New:
		cls, ok := b.lib.LookupClass(e.Class)
		if !ok {
			return nil, errors.Errorf("undefined class %s", e.Class)
		}
		return b.bind(&AllocateObject{Info: b.info(e.Pos), Class: cls}), nil

	case *ast.ArrayLit:
		if e.Kind == ast.ConstArray {
			for _, el := range e.Elems {
				if _, ok := el.(*ast.Literal); !ok {
					return nil, errors.Errorf("const array element %T is not a literal", el)
				}
			}
		}
		args, err := b.pushAll(e.Elems...)
		if err != nil {
			return nil, err
		}
		return b.bind(&CreateArray{Info: b.info(e.Pos), Kind: e.Kind, Args: args}), nil
	}
	return nil, errors.Errorf("unsupported expression %T", expr)
}

func literal(e *ast.Literal) (Value, error) {
	switch v := e.Value.(type) {
	case nil, bool, string, float64, int64:
		return Const{Val: v}, nil
	case int:
		return Const{Val: int64(v)}, nil
	}
	return nil, errors.Errorf("unsupported literal %T", e.Value)
}

func (b *Builder) negate(x ast.Expr, pos int) (Value, error) {
	v, err := b.value(x)
	if err != nil {
		return nil, err
	}
	return b.bind(&BooleanNegate{Info: b.info(pos), Value: v}), nil
}

func (b *Builder) compare(e *ast.Compare) (Value, error) {
	switch {
	case e.Op.IsStrict():
		l, err := b.value(e.Left)
		if err != nil {
			return nil, err
		}
		r, err := b.value(e.Right)
		if err != nil {
			return nil, err
		}
		return b.bind(&StrictCompare{Info: b.info(e.Pos), Op: e.Op, Left: l, Right: r}), nil
	case e.Op.IsRelational():
		args, err := b.pushAll(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return b.bind(&RelationalOp{Info: b.info(e.Pos), Op: e.Op, Args: args}), nil
	case e.Op.IsEquality():
		args, err := b.pushAll(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return b.bind(&EqualityCompare{Info: b.info(e.Pos), Op: e.Op, Args: args}), nil
	}
	return nil, errors.Errorf("%s is not a comparison", e.Op)
}

// logical lowers a short-circuit operator to a diamond with a phi.
func (b *Builder) logical(e *ast.Logical) (Value, error) {
	if e.Op != ast.And && e.Op != ast.Or {
		return nil, errors.Errorf("%s is not a logical operator", e.Op)
	}
	l, err := b.value(e.Left)
	if err != nil {
		return nil, err
	}
	rhs, short := b.newTarget(), b.newTarget()
	if e.Op == ast.And {
		b.branch(l, rhs, short)
	} else {
		b.branch(l, short, rhs)
	}
	join := b.newJoin()

	b.current = rhs
	r, err := b.value(e.Right)
	if err != nil {
		return nil, err
	}
	rv := b.definition(r, e.Pos)
	b.jump(join)

	b.current = short
	sv := b.definition(Const{Val: e.Op == ast.Or}, e.Pos)
	b.jump(join)

	b.current = join
	return Use{Def: b.g.AddPhi(join, []Value{rv, sv})}, nil
}

func (b *Builder) conditional(e *ast.Conditional) (Value, error) {
	cond, err := b.value(e.Cond)
	if err != nil {
		return nil, err
	}
	thenB, elseB := b.newTarget(), b.newTarget()
	b.branch(cond, thenB, elseB)
	join := b.newJoin()

	var inputs []Value
	for _, arm := range []struct {
		block BlockID
		expr  ast.Expr
	}{{thenB, e.Then}, {elseB, e.Else}} {
		b.current = arm.block
		v, err := b.value(arm.expr)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, b.definition(v, e.Pos))
		b.jump(join)
	}
	b.current = join
	return Use{Def: b.g.AddPhi(join, inputs)}, nil
}

func (b *Builder) call(e *ast.Call) (Value, error) {
	if e.Receiver != nil {
		args, err := b.pushAll(append([]ast.Expr{e.Receiver}, e.Args...)...)
		if err != nil {
			return nil, err
		}
		return b.instanceCall(e.Name, ast.CallOp, e.Pos, 1, args), nil
	}
	fn, ok := b.lib.LookupStatic(e.Name)
	if !ok {
		return nil, errors.Errorf("undefined function %s", e.Name)
	}
	if fn.NumParams != len(e.Args) {
		return nil, errors.Errorf("%s expects %d arguments, got %d", fn.QualifiedName(), fn.NumParams, len(e.Args))
	}
	args, err := b.pushAll(e.Args...)
	if err != nil {
		return nil, err
	}
	return b.bind(&StaticCall{Info: b.info(e.Pos), Function: fn, Args: args}), nil
}
