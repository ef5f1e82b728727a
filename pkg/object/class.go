// Package object is the object-model surface the compiler consumes: class
// ids, classes with their fields and methods, functions, and the tagged
// value layout shared by generated code and the runtime.
package object

import (
	"fmt"
	"strings"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
)

// ClassID identifies a class in the class table.
type ClassID int32

const (
	IllegalCid ClassID = iota
	ObjectCid
	NullCid
	BoolCid
	IntegerCid
	SmiCid
	MintCid
	DoubleCid
	StringBaseCid
	StringCid
	ArrayCid
	ImmutableArrayCid
	GrowableArrayCid
	MathCid
	FirstUserCid
)

// FunctionKind classifies function bodies.
type FunctionKind uint8

const (
	RegularFunction FunctionKind = iota
	ImplicitGetter
	ImplicitSetter
	NativeFunction
)

func (k FunctionKind) String() string {
	switch k {
	case ImplicitGetter:
		return "implicit-getter"
	case ImplicitSetter:
		return "implicit-setter"
	case NativeFunction:
		return "native"
	default:
		return "regular"
	}
}

// Field is an instance field. Index is its slot in every instance of the
// declaring class and its subclasses.
type Field struct {
	Name  string
	Index int
	Owner *Class
}

// Offset is the byte offset of the field within an instance.
func (f *Field) Offset() int32 { return FieldOffset(f.Index) }

// Native is the Go implementation of a core-library function. Args include
// the receiver for instance methods.
type Native func(h Heap, args []Word) (Word, error)

// Function is a callable: a compiled body, an implicit accessor or a
// native.
type Function struct {
	Name      string
	Kind      FunctionKind
	Owner     *Class
	Field     *Field
	NumParams int // including the receiver of instance methods
	Static    bool
	Body      *ast.Function
	Native    Native

	recognized RecognizedKind
}

// Recognized returns the intrinsic kind of the function.
func (f *Function) Recognized() RecognizedKind { return f.recognized }

// QualifiedName is Owner.Name, or Name for top-level functions.
func (f *Function) QualifiedName() string {
	if f.Owner == nil {
		return f.Name
	}
	return f.Owner.Name + "." + f.Name
}

func (f *Function) String() string { return f.QualifiedName() }

// Class describes instances of one class id.
type Class struct {
	ID      ClassID
	Name    string
	Super   *Class
	Fields  []*Field // declared by this class
	methods map[string]*Function
}

// NumFields counts instance slots including inherited ones.
func (c *Class) NumFields() int {
	n := 0
	for cls := c; cls != nil; cls = cls.Super {
		n += len(cls.Fields)
	}
	return n
}

// LookupField finds a field on c or its superclasses.
func (c *Class) LookupField(name string) *Field {
	for cls := c; cls != nil; cls = cls.Super {
		for _, f := range cls.Fields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

// LookupMethod finds a method on c or its superclasses.
func (c *Class) LookupMethod(name string) *Function {
	for cls := c; cls != nil; cls = cls.Super {
		if fn, ok := cls.methods[name]; ok {
			return fn
		}
	}
	return nil
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cls := c; cls != nil; cls = cls.Super {
		if cls == other {
			return true
		}
	}
	return false
}

// GetterName and SetterName build accessor method names.
func GetterName(field string) string { return "get:" + field }
func SetterName(field string) string { return "set:" + field }

// FieldNameFromGetter strips the getter prefix.
func FieldNameFromGetter(name string) string { return strings.TrimPrefix(name, "get:") }

// ClassTable owns every class of an isolate.
type ClassTable struct {
	classes []*Class
	byName  map[string]*Class
}

// NewClassTable creates a table with the core classes registered.
func NewClassTable() *ClassTable {
	t := &ClassTable{
		classes: make([]*Class, FirstUserCid),
		byName:  make(map[string]*Class),
	}
	core := []struct {
		id    ClassID
		name  string
		super ClassID
	}{
		{ObjectCid, "Object", IllegalCid},
		{NullCid, "Null", ObjectCid},
		{BoolCid, "bool", ObjectCid},
		{IntegerCid, "_IntegerImplementation", ObjectCid},
		{SmiCid, "_Smi", IntegerCid},
		{MintCid, "_Mint", IntegerCid},
		{DoubleCid, "_Double", ObjectCid},
		{StringBaseCid, "_StringBase", ObjectCid},
		{StringCid, "_OneByteString", StringBaseCid},
		{ArrayCid, "_ObjectArray", ObjectCid},
		{ImmutableArrayCid, "_ImmutableArray", ObjectCid},
		{GrowableArrayCid, "_GrowableObjectArray", ObjectCid},
		{MathCid, "Math", ObjectCid},
	}
	for _, c := range core {
		cls := &Class{ID: c.id, Name: c.name, methods: make(map[string]*Function)}
		if c.super != IllegalCid {
			cls.Super = t.classes[c.super]
		}
		t.classes[c.id] = cls
		t.byName[c.name] = cls
	}
	return t
}

// At returns the class for id, or nil.
func (t *ClassTable) At(id ClassID) *Class {
	if id <= IllegalCid || int(id) >= len(t.classes) {
		return nil
	}
	return t.classes[id]
}

// Lookup finds a class by name.
func (t *ClassTable) Lookup(name string) (*Class, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// Len is the number of class ids in use, including the illegal id.
func (t *ClassTable) Len() int { return len(t.classes) }

// Define registers a user class with the given fields. Each field gets an
// implicit getter and setter.
func (t *ClassTable) Define(name string, super *Class, fields ...string) (*Class, error) {
	if _, exists := t.byName[name]; exists {
		return nil, fmt.Errorf("class %s already defined", name)
	}
	if super == nil {
		super = t.classes[ObjectCid]
	}
	cls := &Class{
		ID:      ClassID(len(t.classes)),
		Name:    name,
		Super:   super,
		methods: make(map[string]*Function),
	}
	base := super.NumFields()
	for i, fname := range fields {
		if super.LookupField(fname) != nil {
			return nil, fmt.Errorf("class %s redeclares inherited field %s", name, fname)
		}
		f := &Field{Name: fname, Index: base + i, Owner: cls}
		cls.Fields = append(cls.Fields, f)
		cls.AddMethod(&Function{Name: GetterName(fname), Kind: ImplicitGetter, Field: f, NumParams: 1})
		cls.AddMethod(&Function{Name: SetterName(fname), Kind: ImplicitSetter, Field: f, NumParams: 2})
	}
	t.classes = append(t.classes, cls)
	t.byName[name] = cls
	return cls, nil
}

// AddMethod attaches fn to c and classifies it.
func (c *Class) AddMethod(fn *Function) {
	fn.Owner = c
	fn.recognized = Recognize(fn)
	c.methods[fn.Name] = fn
}

// NewStatic creates a top-level or class-static function.
func NewStatic(owner *Class, name string, body *ast.Function) *Function {
	fn := &Function{Name: name, Owner: owner, Static: true, Body: body}
	if body != nil {
		fn.NumParams = len(body.Params)
	}
	if owner != nil {
		owner.AddMethod(fn)
	}
	return fn
}

// NewMethod creates an instance method whose body's first parameter is the
// receiver.
func NewMethod(owner *Class, name string, body *ast.Function) *Function {
	fn := &Function{Name: name, Body: body, NumParams: len(body.Params)}
	owner.AddMethod(fn)
	return fn
}

// NewNative creates a function implemented in Go. numParams includes the
// receiver of instance methods. A nil owner makes a top-level function.
func NewNative(owner *Class, name string, numParams int, static bool, impl Native) *Function {
	fn := &Function{Name: name, Kind: NativeFunction, NumParams: numParams, Static: static, Native: impl}
	if owner != nil {
		owner.AddMethod(fn)
	}
	return fn
}
