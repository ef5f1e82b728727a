package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/kr/pretty"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/frontend"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

const program = `
class Point:
    fields x, y
    def norm2(self):
        return self.x * self.x + self.y * self.y

def add(a, b):
    return a + b

def total(n):
    i = 0
    s = 0
    while i < n:
        s += i
        i += 1
    return s

def fact(n):
    if n <= 1:
        return 1
    return n * fact(n - 1)

def point(x, y):
    p = Point()
    p.x = x
    p.y = y
    return p.norm2()

def getx(p):
    return p.x

def squares(n):
    a = []
    i = 0
    while i < n:
        a.add(i * i)
        i += 1
    return a

def greet(name):
    return "hello " + name

def root(x):
    return Math.sqrt(x)

def safediv(a, b):
    try:
        return a // b
    except e:
        return -1

def fail(x):
    raise "bad " + x

def reraise():
    try:
        fail("inner")
    except e:
        raise
    return 0

def nomethod(x):
    return x.frobnicate()

def shout(x):
    print(x)
    return None
`

func testConfig(optimize bool) config.Config {
	cfg := config.Default()
	cfg.UseOptimizer = optimize
	cfg.OptimizationCounterThreshold = 2
	cfg.HeapSize = 4 << 20
	cfg.StackSize = 64 << 10
	return cfg
}

func newIsolate(t *testing.T, cfg config.Config, src string) (*Isolate, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	iso, err := New(cfg, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { iso.Close() })
	p, err := frontend.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := iso.Load(context.Background(), p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return iso, &out
}

func call(t *testing.T, iso *Isolate, name string, args ...any) (string, error) {
	t.Helper()
	w, err := iso.Call(context.Background(), name, args...)
	if err != nil {
		return "", err
	}
	return iso.Describe(w), nil
}

func TestCall(t *testing.T) {
	tests := []struct {
		fn   string
		args []any
		want string
		exc  string
	}{
		{fn: "add", args: []any{1, 2}, want: "3"},
		{fn: "add", args: []any{1.5, 2}, want: "3.5"},
		{fn: "add", args: []any{"a", "b"}, want: "ab"},
		{fn: "total", args: []any{10}, want: "45"},
		{fn: "fact", args: []any{20}, want: "2432902008176640000"},
		{fn: "point", args: []any{3, 4}, want: "25"},
		{fn: "squares", args: []any{4}, want: "[0, 1, 4, 9]"},
		{fn: "greet", args: []any{"there"}, want: "hello there"},
		{fn: "root", args: []any{16}, want: "4.0"},
		{fn: "safediv", args: []any{7, 2}, want: "3"},
		{fn: "safediv", args: []any{7, 0}, want: "-1"},
		{fn: "shout", args: []any{"hi"}, want: "null"},
		{fn: "fail", args: []any{"x"}, exc: "bad x"},
		{fn: "reraise", exc: "bad inner"},
		{fn: "nomethod", args: []any{1}, exc: "NoSuchMethodError"},
		{fn: "add", args: []any{1, "b"}, exc: "ArgumentError"},
	}
	for _, optimize := range []bool{false, true} {
		iso, _ := newIsolate(t, testConfig(optimize), program)
		for _, tt := range tests {
			t.Run(fmt.Sprint(optimize, tt.fn, tt.args), func(t *testing.T) {
				// enough calls to tier up and run the optimized code
				for i := 0; i < 5; i++ {
					got, err := call(t, iso, tt.fn, tt.args...)
					if tt.exc != "" {
						var exc *Exception
						if !errors.As(err, &exc) {
							t.Fatalf("call %d: got %q, %v; want exception %q", i, got, err, tt.exc)
						}
						if !strings.Contains(exc.Message, tt.exc) {
							t.Fatalf("call %d: exception %q, want %q", i, exc.Message, tt.exc)
						}
						continue
					}
					if err != nil {
						t.Fatalf("call %d: %v", i, err)
					}
					if got != tt.want {
						t.Fatalf("call %d: got %s, want %s", i, got, tt.want)
					}
				}
			})
		}
	}
}

func TestTierUp(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(true), program)
	for i := 0; i < 4; i++ {
		if _, err := call(t, iso, "total", 100); err != nil {
			t.Fatal(err)
		}
	}
	fn, _ := iso.FunctionByName("total")
	if _, ok := iso.Compiler().Lookup(fn, codegen.Optimized); !ok {
		t.Fatal("total was not optimized")
	}
	st := iso.Stats()
	if st.Compiler.Optimized == 0 || st.CodeRegions < 2 {
		t.Errorf("stats = %# v", pretty.Formatter(st))
	}

	cold, _ := newIsolate(t, testConfig(false), program)
	for i := 0; i < 4; i++ {
		call(t, cold, "total", 100)
	}
	fn, _ = cold.FunctionByName("total")
	if _, ok := cold.Compiler().Lookup(fn, codegen.Optimized); ok {
		t.Error("optimizer disabled but total was optimized")
	}
}

func TestSmiOverflowDeoptimizes(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(true), program)
	for i := 0; i < 5; i++ {
		if got, err := call(t, iso, "add", i, 1); err != nil || got != strconv.Itoa(i+1) {
			t.Fatalf("add(%d, 1) = %s, %v", i, got, err)
		}
	}
	fn, _ := iso.FunctionByName("add")
	if _, ok := iso.Compiler().Lookup(fn, codegen.Optimized); !ok {
		t.Fatal("add was not optimized")
	}

	got, err := call(t, iso, "add", int64(object.SmiMax), 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := "4611686018427387904"; got != want {
		t.Errorf("add(SmiMax, 1) = %s, want %s", got, want)
	}
	if n := iso.DeoptCount("add"); n != 1 {
		t.Errorf("DeoptCount = %d, want 1", n)
	}
	if _, ok := iso.Compiler().Lookup(fn, codegen.Optimized); ok {
		t.Error("optimized code still installed after deopt")
	}
	if iso.Stats().Deopts != 1 {
		t.Errorf("Stats().Deopts = %d", iso.Stats().Deopts)
	}
	// the unoptimized code handles every class from now on
	if got, _ := call(t, iso, "add", 2, 3); got != "5" {
		t.Errorf("add(2, 3) after deopt = %s", got)
	}
}

func TestGetterDeoptimizes(t *testing.T) {
	src := program + `
class Other:
    fields pad, x
`
	iso, _ := newIsolate(t, testConfig(true), src)
	mk := func(cls string, x int) object.Word {
		c, _ := iso.ClassByName(cls)
		w, err := iso.heap.newInstance(c)
		if err != nil {
			t.Fatal(err)
		}
		f := c.LookupField("x")
		iso.heap.setField(w, f, object.MakeSmi(int64(x)))
		return w
	}
	for i := 0; i < 5; i++ {
		w, err := iso.Call(context.Background(), "getx", mk("Point", i))
		if err != nil || iso.Describe(w) != strconv.Itoa(i) {
			t.Fatalf("getx(Point) = %s, %v", iso.Describe(w), err)
		}
	}
	w, err := iso.Call(context.Background(), "getx", mk("Other", 42))
	if err != nil {
		t.Fatal(err)
	}
	if got := iso.Describe(w); got != "42" {
		t.Errorf("getx(Other) = %s, want 42", got)
	}
	if n := iso.DeoptCount("getx"); n != 1 {
		t.Errorf("DeoptCount = %d, want 1", n)
	}
}

func TestStackOverflow(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(false), program)
	_, err := iso.Call(context.Background(), "fact", 1_000_000)
	var exc *Exception
	if !errors.As(err, &exc) || exc.Message != "StackOverflowError" {
		t.Fatalf("fact(1e6) error = %v, want StackOverflowError", err)
	}
	// the isolate stays usable
	if got, err := call(t, iso, "fact", 5); err != nil || got != "120" {
		t.Errorf("fact(5) = %s, %v", got, err)
	}
}

func TestPrint(t *testing.T) {
	iso, out := newIsolate(t, testConfig(false), program)
	for _, v := range []any{"one", 2, 2.5, nil, true} {
		if _, err := iso.Call(context.Background(), "shout", v); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := out.String(), "one\n2\n2.5\nnull\ntrue\n"; got != want {
		t.Errorf("output %q, want %q", got, want)
	}
}

func TestCallErrors(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(false), program)
	tests := []struct {
		name string
		fn   string
		args []any
		want string
	}{
		{"undefined", "missing", nil, "undefined function missing"},
		{"arity", "add", []any{1}, "add expects 2 arguments, got 1"},
		{"argument", "add", []any{1, struct{}{}}, "argument 1 of add"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iso.Call(context.Background(), tt.fn, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %v, want %q", err, tt.want)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := iso.Call(ctx, "add", 1, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled call: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"undefined super", "class B(A):\n    pass\n", "extends undefined class A"},
		{"undefined function", "def f():\n    return g()\n", "undefined function g"},
		{"undefined class", "def f():\n    return Q()\n", "undefined class Q"},
		{"shadows core", "def print(x):\n    return x\n", "already defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iso, err := New(testConfig(false), nil)
			if err != nil {
				t.Fatal(err)
			}
			defer iso.Close()
			p, err := frontend.Parse(tt.src)
			if err != nil {
				t.Fatal(err)
			}
			err = iso.Load(context.Background(), p)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	iso, err := New(testConfig(false), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer iso.Close()
	tests := []struct {
		v    any
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{int64(-7), "-7"},
		{int64(1) << 62, "4611686018427387904"},
		{3.0, "3.0"},
		{0.1, "0.1"},
		{1e21, "1e+21"},
		{"text", "text"},
	}
	for _, tt := range tests {
		w, err := iso.Value(tt.v)
		if err != nil {
			t.Fatalf("Value(%v): %v", tt.v, err)
		}
		if got := iso.Describe(w); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}

	// constants are interned
	a, _ := iso.Value("same")
	b, _ := iso.Value("same")
	if a != b {
		t.Error("string constant allocated twice")
	}
}

func TestProfilesRoundTrip(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(false), program)
	for _, args := range [][]any{{1, 2}, {1.5, 2.5}} {
		if _, err := iso.Call(context.Background(), "add", args...); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := iso.Call(context.Background(), "point", 1, 2); err != nil {
		t.Fatal(err)
	}
	profiles := iso.ExportProfiles()
	var names []string
	for _, p := range profiles {
		names = append(names, p.Function)
	}
	if diff := pretty.Diff([]string{"Point.norm2", "add", "point"}, names); len(diff) > 0 {
		t.Fatalf("exported profiles differ: %v", diff)
	}

	fresh, _ := newIsolate(t, testConfig(false), program)
	for _, p := range profiles {
		if err := fresh.ImportProfile(p); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range names {
		a, _ := iso.FunctionByName(name)
		b, _ := fresh.FunctionByName(name)
		if diff := pretty.Diff(iso.Feedback(a).IDs(), fresh.Feedback(b).IDs()); len(diff) > 0 {
			t.Errorf("%s: imported sites differ: %v", name, diff)
		}
	}
	add, _ := fresh.FunctionByName("add")
	for _, id := range fresh.Feedback(add).IDs() {
		ic, _ := fresh.Feedback(add).Lookup(id)
		if ic.NumberOfChecks() != 2 {
			t.Errorf("add site %d has %d checks, want 2", id, ic.NumberOfChecks())
		}
	}

	if err := fresh.ImportProfile(&feedback.Profile{Function: "nope"}); err == nil {
		t.Error("import for undefined function succeeded")
	}
}

func TestDump(t *testing.T) {
	iso, _ := newIsolate(t, testConfig(false), program)
	for i := 0; i < 3; i++ {
		if _, err := call(t, iso, "add", i, i); err != nil {
			t.Fatal(err)
		}
	}
	tests := []struct {
		arch string
		mode codegen.Mode
		want []string
	}{
		{"sim", codegen.Unoptimized, []string{"IL for add", "Code for unoptimized add", "PC descriptors", "Object pool"}},
		{"sim", codegen.Optimized, []string{"IL after optimization", "Code for optimized add", "Deopt infos"}},
		{"amd64", codegen.Unoptimized, []string{"Code for unoptimized add", "Variables"}},
		{"amd64", codegen.Optimized, []string{"Code for optimized add"}},
	}
	for _, tt := range tests {
		t.Run(tt.arch+"/"+tt.mode.String(), func(t *testing.T) {
			var b strings.Builder
			if err := iso.Dump(context.Background(), &b, "add", tt.arch, tt.mode); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(b.String(), w) {
					t.Errorf("dump lacks %q:\n%s", w, b.String())
				}
			}
		})
	}

	if err := iso.Dump(context.Background(), io.Discard, "print", "sim", codegen.Unoptimized); err == nil {
		t.Error("dumping a native succeeded")
	}
	if err := iso.Dump(context.Background(), io.Discard, "add", "vax", codegen.Unoptimized); err == nil {
		t.Error("unknown arch accepted")
	}
}
