// Package catalog holds the process architecture reference data: areas,
// sub-areas, macroprocesses, processes and subprocesses with the numeric
// codes that prefix CAP and CP codes.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mapagov/helena/internal/input"
)

//go:embed catalog.yaml
var catalogData []byte

// Node is a leaf entry of the architecture.
type Node struct {
	Code int    `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// Process groups subprocesses.
type Process struct {
	Code         int    `yaml:"code" json:"code"`
	Name         string `yaml:"name" json:"name"`
	Subprocesses []Node `yaml:"subprocesses" json:"subprocesses"`
}

// Macroprocess groups processes.
type Macroprocess struct {
	Code      int       `yaml:"code" json:"code"`
	Name      string    `yaml:"name" json:"name"`
	Processes []Process `yaml:"processes" json:"processes"`
}

// Area is a top-level organizational unit.
type Area struct {
	Code           int            `yaml:"code" json:"code"`
	Name           string         `yaml:"name" json:"name"`
	Short          string         `yaml:"short" json:"short"`
	SubAreas       []Node         `yaml:"subareas" json:"subareas,omitempty"`
	Macroprocesses []Macroprocess `yaml:"macroprocesses" json:"macroprocesses"`
}

// Catalog is the full architecture tree.
type Catalog struct {
	Areas []Area `yaml:"areas" json:"areas"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog, parsed once.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Parse(catalogData)
	})
	return defaultCatalog, defaultErr
}

// MustDefault is Default for callers that treat a broken embedded file as a
// programming error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes a YAML catalog and checks codes are unique per level.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(c.Areas) == 0 {
		return nil, fmt.Errorf("catalog has no areas")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	areas := map[int]bool{}
	for _, a := range c.Areas {
		if err := checkCode("area", a.Name, a.Code, areas); err != nil {
			return err
		}
		subs := map[int]bool{}
		for _, s := range a.SubAreas {
			if err := checkCode("sub-area", s.Name, s.Code, subs); err != nil {
				return err
			}
		}
		macros := map[int]bool{}
		for _, m := range a.Macroprocesses {
			if err := checkCode("macroprocess", m.Name, m.Code, macros); err != nil {
				return err
			}
			procs := map[int]bool{}
			for _, p := range m.Processes {
				if err := checkCode("process", p.Name, p.Code, procs); err != nil {
					return err
				}
				leaves := map[int]bool{}
				for _, sp := range p.Subprocesses {
					if err := checkCode("subprocess", sp.Name, sp.Code, leaves); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func checkCode(level, name string, code int, seen map[int]bool) error {
	if code < 1 || code > 99 {
		return fmt.Errorf("catalog %s %q has code %d outside 1..99", level, name, code)
	}
	if seen[code] {
		return fmt.Errorf("catalog %s %q repeats code %d", level, name, code)
	}
	seen[code] = true
	return nil
}

// AreaByCode returns the area with the given code.
func (c *Catalog) AreaByCode(code int) (Area, bool) {
	for _, a := range c.Areas {
		if a.Code == code {
			return a, true
		}
	}
	return Area{}, false
}

// MatchArea resolves a user answer (number or name) to an area.
func (c *Catalog) MatchArea(msg string) (Area, bool) {
	names := make([]string, len(c.Areas))
	for i, a := range c.Areas {
		names[i] = a.Name
	}
	if i, ok := input.MatchOption(msg, names); ok {
		return c.Areas[i], true
	}
	// Abbreviations like "CGTI" are accepted too.
	short := make([]string, len(c.Areas))
	for i, a := range c.Areas {
		short[i] = a.Short
	}
	if i, ok := matchExact(msg, short); ok {
		return c.Areas[i], true
	}
	return Area{}, false
}

// MatchSubArea resolves a user answer to one of the area's sub-areas.
func (a Area) MatchSubArea(msg string) (Node, bool) {
	return matchNode(msg, a.SubAreas)
}

// Macro returns the macroprocess with the given code.
func (a Area) Macro(code int) (Macroprocess, bool) {
	for _, m := range a.Macroprocesses {
		if m.Code == code {
			return m, true
		}
	}
	return Macroprocess{}, false
}

// MatchMacro resolves a user answer to a macroprocess.
func (a Area) MatchMacro(msg string) (Macroprocess, bool) {
	names := make([]string, len(a.Macroprocesses))
	for i, m := range a.Macroprocesses {
		names[i] = m.Name
	}
	if i, ok := input.MatchOption(msg, names); ok {
		return a.Macroprocesses[i], true
	}
	return Macroprocess{}, false
}

// Process returns the process with the given code.
func (m Macroprocess) Process(code int) (Process, bool) {
	for _, p := range m.Processes {
		if p.Code == code {
			return p, true
		}
	}
	return Process{}, false
}

// MatchProcess resolves a user answer to a process.
func (m Macroprocess) MatchProcess(msg string) (Process, bool) {
	names := make([]string, len(m.Processes))
	for i, p := range m.Processes {
		names[i] = p.Name
	}
	if i, ok := input.MatchOption(msg, names); ok {
		return m.Processes[i], true
	}
	return Process{}, false
}

// MatchSubprocess resolves a user answer to a subprocess.
func (p Process) MatchSubprocess(msg string) (Node, bool) {
	return matchNode(msg, p.Subprocesses)
}

// Subprocess returns the subprocess with the given code.
func (p Process) Subprocess(code int) (Node, bool) {
	for _, n := range p.Subprocesses {
		if n.Code == code {
			return n, true
		}
	}
	return Node{}, false
}

func matchNode(msg string, nodes []Node) (Node, bool) {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	if i, ok := input.MatchOption(msg, names); ok {
		return nodes[i], true
	}
	return Node{}, false
}

func matchExact(msg string, options []string) (int, bool) {
	n := input.Normalize(msg)
	for i, o := range options {
		if o != "" && input.Normalize(o) == n {
			return i, true
		}
	}
	return 0, false
}

// Menu renders names as a numbered list, one per line.
func Menu(names []string) string {
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, n)
	}
	return b.String()
}

// AreaNames lists area names in catalog order.
func (c *Catalog) AreaNames() []string {
	out := make([]string, len(c.Areas))
	for i, a := range c.Areas {
		out[i] = a.Name
	}
	return out
}

// SubAreaNames lists the area's sub-area names.
func (a Area) SubAreaNames() []string {
	return nodeNames(a.SubAreas)
}

// MacroNames lists the area's macroprocess names.
func (a Area) MacroNames() []string {
	out := make([]string, len(a.Macroprocesses))
	for i, m := range a.Macroprocesses {
		out[i] = m.Name
	}
	return out
}

// ProcessNames lists the macroprocess's process names.
func (m Macroprocess) ProcessNames() []string {
	out := make([]string, len(m.Processes))
	for i, p := range m.Processes {
		out[i] = p.Name
	}
	return out
}

// SubprocessNames lists the process's subprocess names.
func (p Process) SubprocessNames() []string {
	return nodeNames(p.Subprocesses)
}

func nodeNames(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
