package coverage

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
)

type blockKey struct {
	file      string
	startLine int
	startCol  int
	endLine   int
	endCol    int
	numStmt   int
}

// Accumulator merges profiles from successive test invocations. The mode of
// the first profile is binding; later profiles must match it.
type Accumulator struct {
	mode   string
	blocks map[blockKey]int64
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{blocks: make(map[blockKey]int64)}
}

// Empty reports whether any profile has been added.
func (a *Accumulator) Empty() bool {
	return a.mode == ""
}

// Mode returns the accumulated mode, empty until the first Add.
func (a *Accumulator) Mode() string {
	return a.mode
}

// Add merges a profile. In set mode counts are ORed; in count and atomic
// modes they are summed.
func (a *Accumulator) Add(p *Profile) error {
	if p == nil || p.Mode == "" {
		return fmt.Errorf("nil or empty profile")
	}
	if a.mode == "" {
		a.mode = p.Mode
	} else if a.mode != p.Mode {
		return fmt.Errorf("profile mode %q conflicts with accumulated mode %q", p.Mode, a.mode)
	}
	for _, b := range p.Blocks {
		key := blockKey{
			file:      b.File,
			startLine: b.StartLine,
			startCol:  b.StartCol,
			endLine:   b.EndLine,
			endCol:    b.EndCol,
			numStmt:   b.NumStmt,
		}
		if a.mode == ModeSet {
			if b.Count > 0 {
				a.blocks[key] = 1
			} else if _, ok := a.blocks[key]; !ok {
				a.blocks[key] = 0
			}
		} else {
			a.blocks[key] += b.Count
		}
	}
	return nil
}

// AddGlobs parses and merges every profile matching the given patterns,
// resolved relative to dir. Patterns with no matches are skipped: a script
// invocation is allowed to produce only some of the declared profiles.
func (a *Accumulator) AddGlobs(dir string, patterns []string) (int, error) {
	added := 0
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return added, fmt.Errorf("bad profile pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			p, err := ParseFile(path)
			if err != nil {
				return added, err
			}
			if err := a.Add(p); err != nil {
				return added, fmt.Errorf("%s: %w", path, err)
			}
			added++
		}
	}
	return added, nil
}

func (a *Accumulator) sortedKeys() []blockKey {
	keys := make([]blockKey, 0, len(a.blocks))
	for key := range a.blocks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].file != keys[j].file {
			return keys[i].file < keys[j].file
		}
		if keys[i].startLine != keys[j].startLine {
			return keys[i].startLine < keys[j].startLine
		}
		return keys[i].startCol < keys[j].startCol
	})
	return keys
}

// WriteProfile renders the merged profile in the input format with blocks
// ordered by file and position.
func (a *Accumulator) WriteProfile(w io.Writer) error {
	if a.Empty() {
		return fmt.Errorf("no profiles accumulated")
	}
	if _, err := fmt.Fprintf(w, "mode: %s\n", a.mode); err != nil {
		return err
	}
	for _, key := range a.sortedKeys() {
		_, err := fmt.Fprintf(w, "%s:%d.%d,%d.%d %d %d\n",
			key.file, key.startLine, key.startCol, key.endLine, key.endCol,
			key.numStmt, a.blocks[key])
		if err != nil {
			return err
		}
	}
	return nil
}
