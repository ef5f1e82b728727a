// Package frontend parses the source language of flowjit programs into the
// function bodies of package ast.
//
// The language is indentation based. A program is a sequence of classes
// and top-level functions:
//
//	class Point:
//	    fields x, y
//	    def norm(self):
//	        return Math.sqrt(self.x * self.x + self.y * self.y)
//
//	def main(n):
//	    p = Point()
//	    p.x = n
//	    p.y = 0
//	    return p.norm()
//
// Capitalized names always refer to classes: Point() allocates an
// instance without running any initializer and Math.sqrt(x) calls a static
// function of a class. Arrays are growable by default; const [..] builds
// an immutable and fixed [..] a fixed-length array. 'is' and 'is not'
// compare identity, // is truncating division, and a bare raise inside an
// except block rethrows the caught exception.
package frontend

import (
	"os"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
)

// Program is a parsed source file.
type Program struct {
	Classes   []*Class
	Functions []*ast.Function
}

// Class is a parsed class declaration. Every method takes its receiver as
// the first parameter.
type Class struct {
	Name    string
	Super   string
	Fields  []string
	Methods []*ast.Function
}

// Parse parses a program. Syntax errors are returned as *Error.
func Parse(source string) (*Program, error) {
	p, err := NewParser(source).Parse()
	if err != nil {
		return nil, err
	}
	logger.Debug("Parsed program", "classes", len(p.Classes), "functions", len(p.Functions))
	return p, nil
}

// ParseFile reads and parses the program at path.
func ParseFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read program")
	}
	p, err := Parse(string(src))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// Function returns the top-level function called name.
func (p *Program) Function(name string) (*ast.Function, bool) {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}

// check rejects duplicate declarations.
func (p *Program) check() error {
	classes := make(map[string]bool)
	for _, c := range p.Classes {
		if classes[c.Name] {
			return errors.Errorf("class %s declared twice", c.Name)
		}
		classes[c.Name] = true
		methods := make(map[string]bool)
		for _, m := range c.Methods {
			if methods[m.Name] {
				return errors.Errorf("method %s.%s declared twice", c.Name, m.Name)
			}
			methods[m.Name] = true
		}
		fields := make(map[string]bool)
		for _, f := range c.Fields {
			if fields[f] {
				return errors.Errorf("field %s.%s declared twice", c.Name, f)
			}
			fields[f] = true
		}
	}
	functions := make(map[string]bool)
	for _, fn := range p.Functions {
		if functions[fn.Name] {
			return errors.Errorf("function %s declared twice", fn.Name)
		}
		functions[fn.Name] = true
	}
	return nil
}
