//go:build mage

// Package main contains Mage build targets for firstmover developer tooling.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/sells-group/firstmover/internal/ci"
)

const (
	binDir     = "bin"
	binName    = "firstmover"
	cmdPkg     = "./cmd"
	modulePath = "github.com/sells-group/firstmover"
	coverFile  = "coverage.out"
)

// coverageFloors holds per-package minimums for the scoring core.
var coverageFloors = map[string]float64{
	"internal/distribution": 85,
	"internal/resolve":      85,
	"internal/scoring":      85,
	"internal/evidence":     75,
	"internal/store":        70,
}

const totalCoverageFloor = 65

// Build compiles the CLI binary into bin/.
func Build() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binDir, err)
	}
	out := filepath.Join(binDir, binName)
	if err := sh.RunV("go", "build", "-o", out, cmdPkg); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	fmt.Printf("Built %s\n", out)
	return nil
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "-count=1", "./...")
}

// Lint runs go vet.
func Lint() error {
	return sh.RunV("go", "vet", "./...")
}

// Cover runs the tests with a coverage profile and enforces coverage floors.
func Cover() error {
	if err := sh.RunV("go", "test", "-count=1", "-covermode=atomic", "-coverprofile="+coverFile, "./..."); err != nil {
		return err
	}

	f, err := os.Open(coverFile)
	if err != nil {
		return fmt.Errorf("opening %s: %w", coverFile, err)
	}
	defer f.Close()

	profile, err := ci.ParseProfile(f)
	if err != nil {
		return err
	}
	report := profile.Summarize(modulePath)
	if err := ci.WriteTable(os.Stdout, report); err != nil {
		return err
	}
	return ci.Check(report, totalCoverageFloor, coverageFloors)
}

// CI runs lint, then the coverage-gated test suite.
func CI() {
	mg.SerialDeps(Lint, Cover)
}

// Clean removes build and coverage artifacts.
func Clean() error {
	for _, p := range []string{binDir, coverFile} {
		if err := sh.Rm(p); err != nil {
			return err
		}
	}
	return nil
}
