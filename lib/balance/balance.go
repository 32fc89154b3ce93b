/*package balance decides which rank should own which grid cells. It plays
the role of an external partitioning library: the grid feeds it cells,
weights, coordinates and adjacency through the Source callbacks and gets back
a list of proposed moves. Every rank computes the same global plan from
all-gathered data, so no follow-up negotiation round is needed.*/
package balance

import (
	"fmt"
	"sort"

	"github.com/phil-mansfield/refgrid/lib/comm"
)

// Edge is one adjacency of a cell: a neighboring cell and its current owner.
type Edge struct {
	Cell  uint64
	Owner int
}

// Move proposes transferring ownership of Cell from rank From to rank To.
type Move struct {
	Cell     uint64
	From, To int
}

// Source provides the grid-side callbacks used by the partitioning methods.
type Source interface {
	// LocalCells returns the ids of this rank's leaf cells in ascending
	// order.
	LocalCells() []uint64
	// CellWeight returns the load weight of a local cell (1 if unset).
	CellWeight(cell uint64) float64
	// CellCoordinate returns the center of a local cell.
	CellCoordinate(cell uint64) [3]float64
	// CellEdges returns the neighbors of a local cell with their owners.
	CellEdges(cell uint64) []Edge
	// GridBounds returns the physical extent of the whole grid.
	GridBounds() (min, max [3]float64)
}

// Methods lists the supported partitioning method names.
func Methods() []string {
	return []string{"NONE", "RANDOM", "BLOCK", "RCB", "HSFC", "GRAPH"}
}

// reservedOptions are option names that govern id sizes, return-list policy,
// weight dimensionality, auto-migration and part counts. They are fixed by
// the grid and cannot be set by the user.
var reservedOptions = map[string]bool{
	"NUM_GID_ENTRIES":  true,
	"NUM_LID_ENTRIES":  true,
	"RETURN_LISTS":     true,
	"OBJ_WEIGHT_DIM":   true,
	"EDGE_WEIGHT_DIM":  true,
	"AUTO_MIGRATE":     true,
	"NUM_GLOBAL_PARTS": true,
	"NUM_LOCAL_PARTS":  true,
}

// Partitioner holds a partitioning method together with its option tables
// and the hierarchical level structure.
type Partitioner struct {
	method string

	// processesPerPart[l] is the number of processes per part at
	// hierarchical level l.
	processesPerPart []int
	// options[l] is level l's option table.
	options []map[string]string
	// topOptions is the non-hierarchical option table.
	topOptions map[string]string
}

// New creates a Partitioner using the given method name. "NONE" is accepted
// and produces an empty plan.
func New(method string) (*Partitioner, error) {
	ok := false
	for _, m := range Methods() {
		if m == method {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf(
			"'%s' is not a supported load balancing method. Valid methods "+
				"are %v.", method, Methods(),
		)
	}
	return &Partitioner{method: method, topOptions: map[string]string{}}, nil
}

// Method returns the method name the Partitioner was created with.
func (p *Partitioner) Method() string { return p.method }

// SetOption sets a non-hierarchical partitioning option. Reserved options
// are rejected.
func (p *Partitioner) SetOption(name, value string) error {
	if reservedOptions[name] {
		return fmt.Errorf("The option '%s' is reserved and cannot be set.", name)
	}
	p.topOptions[name] = value
	return nil
}

// AddLevel appends a hierarchical partitioning level with the given number
// of processes per part. Does nothing if processes < 1.
func (p *Partitioner) AddLevel(processes int) {
	if processes < 1 {
		return
	}
	p.processesPerPart = append(p.processesPerPart, processes)
	p.options = append(p.options, map[string]string{})
}

// RemoveLevel removes the given hierarchical partitioning level. Does
// nothing if the level doesn't exist.
func (p *Partitioner) RemoveLevel(level int) {
	if level < 0 || level >= len(p.processesPerPart) {
		return
	}
	p.processesPerPart = append(
		p.processesPerPart[:level], p.processesPerPart[level+1:]...,
	)
	p.options = append(p.options[:level], p.options[level+1:]...)
}

// Levels returns the number of hierarchical partitioning levels.
func (p *Partitioner) Levels() int { return len(p.processesPerPart) }

// AddOption sets an option for the given hierarchical level. Reserved
// options and nonexistent levels are rejected.
func (p *Partitioner) AddOption(level int, name, value string) error {
	if level < 0 || level >= len(p.options) {
		return fmt.Errorf("Hierarchical level %d doesn't exist.", level)
	}
	if reservedOptions[name] {
		return fmt.Errorf("The option '%s' is reserved and cannot be set.", name)
	}
	p.options[level][name] = value
	return nil
}

// RemoveOption removes an option from the given hierarchical level. Does
// nothing if the level or option doesn't exist.
func (p *Partitioner) RemoveOption(level int, name string) {
	if level < 0 || level >= len(p.options) {
		return
	}
	delete(p.options[level], name)
}

// Options returns the names of the options set for the given hierarchical
// level, in sorted order. Returns nil if the level doesn't exist.
func (p *Partitioner) Options(level int) []string {
	if level < 0 || level >= len(p.options) {
		return nil
	}
	names := make([]string, 0, len(p.options[level]))
	for name := range p.options[level] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OptionValue returns the value of an option of the given hierarchical
// level. The lookup is strictly per-level: options of other levels or of the
// non-hierarchical table are never consulted. Returns "" if the level or the
// option doesn't exist.
func (p *Partitioner) OptionValue(level int, name string) string {
	if level < 0 || level >= len(p.options) {
		return ""
	}
	return p.options[level][name]
}

// PartNumber returns the part this rank belongs to at the given hierarchical
// level: rank divided by the product of processes-per-part up to and
// including the level. Returns -1 if the level doesn't exist.
func (p *Partitioner) PartNumber(rank, level int) int {
	if level < 0 || level >= len(p.processesPerPart) {
		return -1
	}
	div := 1
	for l := 0; l <= level; l++ {
		div *= p.processesPerPart[l]
	}
	return rank / div
}

// Plan computes a new ownership assignment for every cell in the grid and
// returns the moves needed to reach it. The plan is identical on every rank
// and sorted by cell id. Collective.
func (p *Partitioner) Plan(src Source, c comm.Comm) []Move {
	switch p.method {
	case "NONE":
		return nil
	case "RANDOM":
		return planRandom(src, c)
	case "BLOCK":
		return planBlock(src, c)
	case "HSFC":
		return p.planHSFC(src, c)
	case "RCB":
		return planRCB(src, c)
	case "GRAPH":
		return planGraph(src, c)
	}
	return nil
}
