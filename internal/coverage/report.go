package coverage

// FileCoverage summarizes coverage for one file.
type FileCoverage struct {
	Name       string  `json:"name"`
	Statements int     `json:"statements"`
	Covered    int     `json:"covered"`
	Percent    float64 `json:"percent"`
}

// Report is the merged coverage summary sent to the upload service.
type Report struct {
	Mode       string         `json:"mode"`
	Files      []FileCoverage `json:"files"`
	Statements int            `json:"statements"`
	Covered    int            `json:"covered"`
	Percent    float64        `json:"percent"`
}

// Report computes per-file and total statement coverage from the merged
// blocks.
func (a *Accumulator) Report() Report {
	report := Report{Mode: a.mode}
	perFile := make(map[string]*FileCoverage)
	var order []string

	for _, key := range a.sortedKeys() {
		fc, ok := perFile[key.file]
		if !ok {
			fc = &FileCoverage{Name: key.file}
			perFile[key.file] = fc
			order = append(order, key.file)
		}
		fc.Statements += key.numStmt
		if a.blocks[key] > 0 {
			fc.Covered += key.numStmt
		}
	}

	for _, name := range order {
		fc := perFile[name]
		fc.Percent = percent(fc.Covered, fc.Statements)
		report.Files = append(report.Files, *fc)
		report.Statements += fc.Statements
		report.Covered += fc.Covered
	}
	report.Percent = percent(report.Covered, report.Statements)
	return report
}

func percent(covered, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(covered) / float64(total)
}
