// Package coverage merges statement coverage profiles produced by separate
// test invocations into a single report, the "append" accumulation the
// pipeline relies on when one script phase runs several suites.
package coverage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Profile modes.
const (
	ModeSet    = "set"
	ModeCount  = "count"
	ModeAtomic = "atomic"
)

// Block is one coverable statement range of a file.
type Block struct {
	File      string
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
	NumStmt   int
	Count     int64
}

// Profile is a parsed coverage profile.
type Profile struct {
	Mode   string
	Blocks []Block
}

// Parse reads a coverage profile: a "mode:" header followed by block lines
// of the form "file:SL.SC,EL.EC numStmt count".
func Parse(r io.Reader) (*Profile, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	p := &Profile{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if p.Mode == "" {
			mode, ok := strings.CutPrefix(line, "mode: ")
			if !ok {
				return nil, fmt.Errorf("line %d: missing mode header", lineNo)
			}
			switch mode {
			case ModeSet, ModeCount, ModeAtomic:
				p.Mode = mode
			default:
				return nil, fmt.Errorf("line %d: unsupported mode %q", lineNo, mode)
			}
			continue
		}
		block, err := parseBlock(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		p.Blocks = append(p.Blocks, block)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if p.Mode == "" {
		return nil, fmt.Errorf("empty profile")
	}
	return p, nil
}

// ParseFile parses the profile stored at path.
func ParseFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()
	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func parseBlock(line string) (Block, error) {
	colon := strings.LastIndex(line, ":")
	if colon < 0 {
		return Block{}, fmt.Errorf("malformed block %q", line)
	}
	file := line[:colon]
	rest := strings.Fields(line[colon+1:])
	if file == "" || len(rest) != 3 {
		return Block{}, fmt.Errorf("malformed block %q", line)
	}

	startEnd := strings.Split(rest[0], ",")
	if len(startEnd) != 2 {
		return Block{}, fmt.Errorf("malformed position %q", rest[0])
	}
	startLine, startCol, err := parsePos(startEnd[0])
	if err != nil {
		return Block{}, err
	}
	endLine, endCol, err := parsePos(startEnd[1])
	if err != nil {
		return Block{}, err
	}
	numStmt, err := strconv.Atoi(rest[1])
	if err != nil {
		return Block{}, fmt.Errorf("statement count %q: %w", rest[1], err)
	}
	count, err := strconv.ParseInt(rest[2], 10, 64)
	if err != nil {
		return Block{}, fmt.Errorf("hit count %q: %w", rest[2], err)
	}
	return Block{
		File:      file,
		StartLine: startLine,
		StartCol:  startCol,
		EndLine:   endLine,
		EndCol:    endCol,
		NumStmt:   numStmt,
		Count:     count,
	}, nil
}

func parsePos(s string) (line, col int, err error) {
	dot := strings.Index(s, ".")
	if dot < 0 {
		return 0, 0, fmt.Errorf("malformed position %q", s)
	}
	line, err = strconv.Atoi(s[:dot])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed position %q", s)
	}
	col, err = strconv.Atoi(s[dot+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed position %q", s)
	}
	return line, col, nil
}
