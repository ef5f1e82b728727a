// Package codespace owns the memory generated code is installed into.
// Code is copied into mapped pages and addressed by a virtual base chosen
// by the space, so the same installed bytes serve the simulator and the
// tables that map return addresses back to their code.
package codespace

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/logger"
)

const (
	// DefaultBase is the first address handed out.
	DefaultBase uint64 = 0x0040_0000
	// DefaultPageSize is the size of each mapping.
	DefaultPageSize = 64 << 10

	alignment = 16
)

// ErrNoRegion is returned for addresses outside every installed region.
var ErrNoRegion = errors.New("address outside installed code")

// Region is one installed piece of code.
type Region struct {
	Name  string
	Base  uint64
	Owner any

	bytes []byte
}

// Size is the installed length in bytes.
func (r *Region) Size() int { return len(r.bytes) }

// End is the first address after the region.
func (r *Region) End() uint64 { return r.Base + uint64(len(r.bytes)) }

// Contains reports whether pc falls inside the region.
func (r *Region) Contains(pc uint64) bool { return pc >= r.Base && pc < r.End() }

// Offset converts an address inside the region to a code offset.
func (r *Region) Offset(pc uint64) int { return int(pc - r.Base) }

// Bytes returns the installed code. The slice aliases the mapping.
func (r *Region) Bytes() []byte { return r.bytes }

type page struct {
	mem     []byte
	base    uint64
	used    int
	release func() error
}

// Space allocates regions out of mapped pages. It is safe for concurrent
// use.
type Space struct {
	mu       sync.RWMutex
	pageSize int
	next     uint64
	pages    []*page
	regions  []*Region // sorted by Base
}

// New creates an empty space handing out addresses from base.
func New(base uint64, pageSize int) *Space {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Space{pageSize: pageSize, next: base}
}

func align(n int) int { return (n + alignment - 1) &^ (alignment - 1) }

// Install copies code into the space and returns its region. owner is
// kept on the region for Lookup.
func (s *Space) Install(name string, code []byte, owner any) (*Region, error) {
	if len(code) == 0 {
		return nil, errors.Errorf("install %s: empty code", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.current()
	if p == nil || p.used+len(code) > len(p.mem) {
		var err error
		if p, err = s.grow(len(code)); err != nil {
			return nil, errors.Wrapf(err, "install %s", name)
		}
	}
	start := p.used
	copy(p.mem[start:], code)
	p.used = align(start + len(code))
	r := &Region{
		Name:  name,
		Base:  p.base + uint64(start),
		Owner: owner,
		bytes: p.mem[start : start+len(code) : start+len(code)],
	}
	s.regions = append(s.regions, r)
	return r, nil
}

func (s *Space) current() *page {
	if len(s.pages) == 0 {
		return nil
	}
	return s.pages[len(s.pages)-1]
}

// grow maps a page large enough for n bytes.
func (s *Space) grow(n int) (*page, error) {
	size := s.pageSize
	for size < n {
		size *= 2
	}
	mem, release, err := mapPages(size)
	if err != nil {
		logger.Warn("Mapping code pages failed, using heap memory", "size", size, "error", err)
		mem, release = make([]byte, size), func() error { return nil }
	}
	p := &page{mem: mem, base: s.next, release: release}
	s.next += uint64(size)
	s.pages = append(s.pages, p)
	return p, nil
}

// Lookup finds the region containing pc.
func (s *Space) Lookup(pc uint64) (*Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(pc)
}

func (s *Space) lookup(pc uint64) (*Region, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > pc })
	if i < len(s.regions) && s.regions[i].Contains(pc) {
		return s.regions[i], true
	}
	return nil, false
}

// Fetch returns the code bytes starting at pc.
func (s *Space) Fetch(pc uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lookup(pc)
	if !ok {
		return nil, errors.Wrapf(ErrNoRegion, "fetch %#x", pc)
	}
	return r.bytes[pc-r.Base:], nil
}

// Patch overwrites installed code at addr. The bytes must stay inside one
// region.
func (s *Space) Patch(addr uint64, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(addr)
	if !ok || addr+uint64(len(b)) > r.End() {
		return errors.Wrapf(ErrNoRegion, "patch %d bytes at %#x", len(b), addr)
	}
	copy(r.bytes[addr-r.Base:], b)
	return nil
}

// Stats reports the number of regions and the bytes they occupy.
func (s *Space) Stats() (regions, bytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		bytes += r.Size()
	}
	return len(s.regions), bytes
}

// Close unmaps every page. Regions must not be used afterwards.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, p := range s.pages {
		if err := p.release(); err != nil && first == nil {
			first = errors.Wrap(err, "release code page")
		}
	}
	s.pages, s.regions = nil, nil
	return first
}
