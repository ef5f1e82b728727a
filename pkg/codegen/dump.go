package codegen

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// Dump writes a listing of the code: the instructions, interleaved with
// comments and descriptors, followed by the side tables.
func (c *Code) Dump(w io.Writer, t *asm.Target, base uint64) error {
	if t.Disassemble == nil {
		return errors.Errorf("target %s cannot disassemble", t.Name)
	}
	lines, err := t.Disassemble(c.Instructions, base)
	if err != nil {
		return errors.Wrapf(err, "disassemble %s", c.Name)
	}
	tier := "unoptimized"
	if c.Optimized {
		tier = "optimized"
	}
	fmt.Fprintf(w, "Code for %s %s (%s, %d frame slots)\n", tier, c.Name, humanize.Bytes(uint64(c.Size())), c.FrameSlots)

	comments, descs := c.Comments, c.PcDescriptors
	for _, l := range lines {
		for len(comments) > 0 && comments[0].Offset <= l.Offset {
			fmt.Fprintf(w, "        ;; %s\n", comments[0].Text)
			comments = comments[1:]
		}
		for len(descs) > 0 && descs[0].PC <= l.Offset {
			fmt.Fprintf(w, "        ;; %s\n", descs[0])
			descs = descs[1:]
		}
		fmt.Fprintf(w, "%#06x  %s\n", l.Offset, l.Text)
	}
	for _, d := range descs {
		fmt.Fprintf(w, "        ;; %s\n", d)
	}
	if t.Validate != nil {
		if err := t.Validate(lines, base); err != nil {
			fmt.Fprintf(w, "Validation: %v\n", err)
		} else {
			fmt.Fprintf(w, "Validation: passed (%d instructions)\n", len(lines))
		}
	}
	_, err = io.WriteString(w, c.Tables())
	return err
}

// Tables renders the side tables.
func (c *Code) Tables() string {
	var b strings.Builder
	section := func(name string, n int) bool {
		if n == 0 {
			return false
		}
		fmt.Fprintf(&b, "%s (%d):\n", name, n)
		return true
	}
	if section("PC descriptors", len(c.PcDescriptors)) {
		for _, d := range c.PcDescriptors {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	if section("Stack maps", len(c.StackMaps)) {
		for _, m := range c.StackMaps {
			fmt.Fprintf(&b, "  %s\n", m)
		}
	}
	if section("Exception handlers", len(c.ExceptionHandlers)) {
		for _, h := range c.ExceptionHandlers {
			fmt.Fprintf(&b, "  try %d -> %#x\n", h.TryIndex, h.HandlerPC)
		}
	}
	if section("Variables", len(c.VarDescriptors)) {
		for _, v := range c.VarDescriptors {
			fmt.Fprintf(&b, "  %-8s %s %d [%d, %d)\n", v.Name, v.Kind, v.Index, v.BeginPos, v.EndPos)
		}
	}
	if section("Object pool", len(c.ObjectPool)) {
		for i, s := range c.ObjectPool {
			fmt.Fprintf(&b, "  [%d] %s\n", i, s)
		}
	}
	if section("Deopt infos", len(c.DeoptInfos)) {
		for i, d := range c.DeoptInfos {
			fmt.Fprintf(&b, "  [%d] %s\n", i, d)
		}
	}
	return b.String()
}
