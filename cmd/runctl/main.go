package main

import (
	"github.com/go-delve/runctl/cmd/runctl/cmds"
	"github.com/go-delve/runctl/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RunctlVersion.Build = Build
	}
	cmds.New().Execute()
}
