// Package ci summarizes Go coverage profiles and enforces coverage floors
// for the build tooling.
package ci

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
)

// Block is one coverage block. Position is the "start,end" range text; it
// only identifies the block when profiles from several runs are merged.
type Block struct {
	File       string
	Position   string
	Statements int
	Count      int
}

// Profile is a parsed coverage profile.
type Profile struct {
	Mode   string
	Blocks []Block
}

// ParseProfile reads a profile written by go test -coverprofile. A block
// reported more than once (as with -coverpkg) is merged, keeping it covered
// if any run covered it.
func ParseProfile(r io.Reader) (*Profile, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, eris.Wrap(err, "coverage: read profile")
		}
		return nil, eris.New("coverage: empty profile")
	}
	mode, ok := strings.CutPrefix(sc.Text(), "mode: ")
	if !ok {
		return nil, eris.Errorf("coverage: expected mode line, got %q", sc.Text())
	}

	p := &Profile{Mode: mode}
	index := make(map[string]int)
	for line := 2; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		b, err := parseBlock(text)
		if err != nil {
			return nil, eris.Wrapf(err, "coverage: line %d", line)
		}
		key := b.File + ":" + b.Position
		if i, seen := index[key]; seen {
			p.Blocks[i].Count = max(p.Blocks[i].Count, b.Count)
			continue
		}
		index[key] = len(p.Blocks)
		p.Blocks = append(p.Blocks, b)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "coverage: read profile")
	}
	return p, nil
}

// parseBlock parses "file.go:12.5,20.2 3 1".
func parseBlock(line string) (Block, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Block{}, eris.Errorf("bad block %q", line)
	}
	colon := strings.LastIndex(fields[0], ":")
	if colon <= 0 || !strings.Contains(fields[0][colon:], ",") {
		return Block{}, eris.Errorf("bad block position %q", fields[0])
	}
	stmts, err := strconv.Atoi(fields[1])
	if err != nil {
		return Block{}, eris.Wrapf(err, "bad statement count in %q", line)
	}
	count, err := strconv.Atoi(fields[2])
	if err != nil {
		return Block{}, eris.Wrapf(err, "bad hit count in %q", line)
	}
	return Block{
		File:       fields[0][:colon],
		Position:   fields[0][colon+1:],
		Statements: stmts,
		Count:      count,
	}, nil
}

// PackageCoverage is the statement coverage of one package.
type PackageCoverage struct {
	Package    string
	Statements int
	Covered    int
}

// Percent returns covered statements as a percentage; an empty package
// counts as fully covered.
func (c PackageCoverage) Percent() float64 {
	if c.Statements == 0 {
		return 100
	}
	return 100 * float64(c.Covered) / float64(c.Statements)
}

// Report is coverage per package, sorted by package path, plus the total.
type Report struct {
	Packages []PackageCoverage
	Total    PackageCoverage
}

// Summarize groups blocks by package. Package paths are reported relative
// to modulePath.
func (p *Profile) Summarize(modulePath string) *Report {
	byPkg := make(map[string]*PackageCoverage)
	rep := &Report{Total: PackageCoverage{Package: "total"}}
	for _, b := range p.Blocks {
		pkg := strings.TrimPrefix(path.Dir(b.File), modulePath+"/")
		pc, ok := byPkg[pkg]
		if !ok {
			pc = &PackageCoverage{Package: pkg}
			byPkg[pkg] = pc
		}
		pc.Statements += b.Statements
		rep.Total.Statements += b.Statements
		if b.Count > 0 {
			pc.Covered += b.Statements
			rep.Total.Covered += b.Statements
		}
	}
	for _, pc := range byPkg {
		rep.Packages = append(rep.Packages, *pc)
	}
	slices.SortFunc(rep.Packages, func(a, b PackageCoverage) int {
		return strings.Compare(a.Package, b.Package)
	})
	return rep
}

// Check compares the report with a total floor and per-package floors keyed
// by relative package path. Every shortfall is reported.
func Check(rep *Report, total float64, floors map[string]float64) error {
	var errs []string
	if got := rep.Total.Percent(); got < total {
		errs = append(errs, fmt.Sprintf("total %.1f%% < %.1f%%", got, total))
	}
	for _, pc := range rep.Packages {
		floor, ok := floors[pc.Package]
		if ok && pc.Percent() < floor {
			errs = append(errs, fmt.Sprintf("%s %.1f%% < %.1f%%", pc.Package, pc.Percent(), floor))
		}
	}
	if len(errs) > 0 {
		return eris.New("coverage below floor: " + strings.Join(errs, "; "))
	}
	return nil
}

// WriteTable writes the report as an aligned text table.
func WriteTable(out io.Writer, rep *Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "PACKAGE\tSTMTS\tCOVERED\tPERCENT\t")
	for _, pc := range append(rep.Packages, rep.Total) {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t\n", pc.Package, pc.Statements, pc.Covered, pc.Percent())
	}
	return w.Flush()
}
