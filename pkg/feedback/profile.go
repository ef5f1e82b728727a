package feedback

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Profile is the on-disk form of a function's feedback. Classes and
// targets are stored by name.
type Profile struct {
	Function string        `json:"function"`
	Sites    []SiteProfile `json:"sites"`
}

type SiteProfile struct {
	DeoptID       int            `json:"deopt_id"`
	TargetName    string         `json:"target_name"`
	NumArgsTested int            `json:"num_args_tested"`
	Checks        []CheckProfile `json:"checks"`
}

type CheckProfile struct {
	Classes []string `json:"classes"`
	Target  string   `json:"target"`
	Count   int      `json:"count"`
}

// Resolver maps profile names back to classes and functions.
type Resolver interface {
	ClassByName(name string) (*object.Class, bool)
	FunctionByName(qualified string) (*object.Function, bool)
	ClassAt(id object.ClassID) *object.Class
}

// Export converts a table into a profile.
func Export(fn string, t *Table, r Resolver) *Profile {
	p := &Profile{Function: fn}
	for _, id := range t.IDs() {
		ic, _ := t.Lookup(id)
		site := SiteProfile{DeoptID: id, TargetName: ic.TargetName, NumArgsTested: ic.NumArgsTested}
		for i := 0; i < ic.NumberOfChecks(); i++ {
			cids, target := ic.CheckAt(i)
			cp := CheckProfile{Count: ic.CountAt(i)}
			for _, cid := range cids {
				if cls := r.ClassAt(cid); cls != nil {
					cp.Classes = append(cp.Classes, cls.Name)
				}
			}
			if target != nil {
				cp.Target = target.QualifiedName()
			}
			site.Checks = append(site.Checks, cp)
		}
		p.Sites = append(p.Sites, site)
	}
	return p
}

// Import rebuilds a live table from a profile. Unknown classes or targets
// drop the affected check.
func Import(p *Profile, r Resolver) *Table {
	t := NewTable()
	for _, site := range p.Sites {
		ic := New(site.TargetName, site.DeoptID, site.NumArgsTested)
		for _, cp := range site.Checks {
			cids, ok := resolveClasses(cp.Classes, r)
			if !ok {
				logger.Warn("Dropping profile check with unknown class", "function", p.Function, "site", site.DeoptID)
				continue
			}
			target, ok := r.FunctionByName(cp.Target)
			if !ok {
				logger.Warn("Dropping profile check with unknown target", "function", p.Function, "target", cp.Target)
				continue
			}
			if err := ic.AddCheck(cids, target); err != nil {
				logger.Warn("Dropping malformed profile check", "function", p.Function, "error", err)
				continue
			}
			ic.checks[len(ic.checks)-1].Count = cp.Count
		}
		t.sites[site.DeoptID] = ic
	}
	return t
}

func resolveClasses(names []string, r Resolver) ([]object.ClassID, bool) {
	cids := make([]object.ClassID, 0, len(names))
	for _, name := range names {
		cls, ok := r.ClassByName(name)
		if !ok {
			return nil, false
		}
		cids = append(cids, cls.ID)
	}
	return cids, true
}

// LoadProfile reads a profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profile")
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode profile %s", path)
	}
	return &p, nil
}

// SaveProfile writes p to path as indented JSON.
func SaveProfile(path string, p *Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write profile")
}
