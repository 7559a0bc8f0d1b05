package peerwire

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Set at link time, e.g.
// -ldflags "-X github.com/glycerine/peerwire.LAST_GIT_COMMIT_HASH=..."
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string
var GO_VERSION string

func GetCodeVersion(programName string) string {
	return fmt.Sprintf("%s commit: %s / nearest-git-tag: %s / branch: %s / go version: %s / protocol control=%v message=%v\n",
		programName, LAST_GIT_COMMIT_HASH, NEAREST_GIT_TAG, GIT_BRANCH, GO_VERSION,
		DefaultControlLayerVersions, DefaultMessageLayerVersions)
}

// ExitIfVersionReq prints build and protocol versions and exits
// when -version or --version appears among the args.
func ExitIfVersionReq(args []string) {
	for _, a := range args {
		if a == "-version" || a == "--version" {
			if bi, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(os.Stderr, "%v version: %+v\n", args[0], bi)
			}
			fmt.Fprintf(os.Stderr, "\n%s\n", GetCodeVersion(args[0]))
			os.Exit(0)
		}
	}
}
