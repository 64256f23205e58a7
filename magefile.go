//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

func Build() error {
	mg.Deps(BuildSyncer)
	mg.Deps(BuildCalibrate)
	fmt.Println("Compilation finished")
	return nil
}

func BuildSyncer() error {
	fmt.Println("Building syncer executable...")
	return goCommand("build", "-o", "./bin/syncer", "./syncer")
}

func BuildCalibrate() error {
	fmt.Println("Building calibrate executable...")
	return goCommand("build", "-o", "./bin/calibrate", "./calibrate")
}

func Test() error {
	fmt.Println("Running tests...")
	return goCommand("test", "./pkg/...")
}

// goCommand runs the go tool with cgo enabled, the HDF5 bindings need it.
func goCommand(args ...string) error {
	ldflags := os.Getenv("CGO_LDFLAGS")
	cflags := os.Getenv("CGO_CFLAGS")
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		fmt.Sprintf("CGO_LDFLAGS=%s", ldflags),
		fmt.Sprintf("CGO_CFLAGS=%s", cflags))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
