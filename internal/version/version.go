// Package version contains Proxymon version information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/stringutil"
)

// Channel constants.
const (
	ChannelDevelopment = "development"
	ChannelEdge        = "edge"
	ChannelRelease     = "release"
)

// These are set by the linker.  Unfortunately we cannot set constants during
// linking, and Go doesn't have a concept of immutable variables, so to be
// thorough we have to only export them through getters.
var (
	channel    string = ChannelDevelopment
	version    string
	committime string
)

// Channel returns the current Proxymon release channel.
func Channel() (v string) {
	return channel
}

// vFmtFull defines the format of full version output.
const vFmtFull = "Proxymon, version %s"

// Full returns the full current version of Proxymon.
func Full() (v string) {
	return fmt.Sprintf(vFmtFull, version)
}

// Version returns the Proxymon build version.
func Version() (v string) {
	return version
}

// fmtModule returns formatted information about module.  The result looks
// like:
//
//	github.com/Username/module@v1.2.3 (sum: someHASHSUM=)
func fmtModule(m *debug.Module) (formatted string) {
	if m == nil {
		return ""
	}

	if repl := m.Replace; repl != nil {
		return fmtModule(repl)
	}

	b := &strings.Builder{}

	stringutil.WriteToBuilder(b, m.Path)
	if ver := m.Version; ver != "" {
		sep := "@"
		if ver == "(devel)" {
			sep = " "
		}

		stringutil.WriteToBuilder(b, sep, ver)
	}

	if sum := m.Sum; sum != "" {
		stringutil.WriteToBuilder(b, "(sum: ", sum, ")")
	}

	return b.String()
}

// Constants defining the headers of build information message.
const (
	vFmtAppHdr    = "Proxymon"
	vFmtVerHdr    = "Version: "
	vFmtChanHdr   = "Channel: "
	vFmtGoHdr     = "Go version: "
	vFmtTimeHdr   = "Commit time: "
	vFmtGOOSHdr   = "GOOS: " + runtime.GOOS
	vFmtGOARCHHdr = "GOARCH: " + runtime.GOARCH
	vFmtDepsHdr   = "Dependencies:"
)

// Verbose returns formatted build information.  Output example:
//
//	Proxymon
//	Version: v0.3.1
//	Channel: development
//	Go version: go1.24.5
//	Commit time: 2026-08-11T10:28:04Z+0300
//	GOOS: linux
//	GOARCH: amd64
//	Dependencies:
//	        ...
func Verbose() (v string) {
	b := &strings.Builder{}

	const nl = "\n"
	stringutil.WriteToBuilder(b, vFmtAppHdr, nl)
	stringutil.WriteToBuilder(b, vFmtVerHdr, version, nl)
	stringutil.WriteToBuilder(b, vFmtChanHdr, channel, nl)
	stringutil.WriteToBuilder(b, vFmtGoHdr, runtime.Version(), nl)

	writeCommitTime(b)

	stringutil.WriteToBuilder(b, vFmtGOOSHdr, nl)
	stringutil.WriteToBuilder(b, vFmtGOARCHHdr, nl)

	info, ok := debug.ReadBuildInfo()
	if !ok || len(info.Deps) == 0 {
		return b.String()
	}

	stringutil.WriteToBuilder(b, vFmtDepsHdr, nl)
	for _, dep := range info.Deps {
		if depStr := fmtModule(dep); depStr != "" {
			stringutil.WriteToBuilder(b, "\t", depStr, nl)
		}
	}

	return b.String()
}

// writeCommitTime writes the commit time to b, if there is one.
func writeCommitTime(b *strings.Builder) {
	if committime == "" {
		return
	}

	commitTimeUnix, err := strconv.ParseInt(committime, 10, 64)
	if err != nil {
		stringutil.WriteToBuilder(b, vFmtTimeHdr, fmt.Sprintf("parse error: %s", err), "\n")
	} else {
		stringutil.WriteToBuilder(b, vFmtTimeHdr, time.Unix(commitTimeUnix, 0).String(), "\n")
	}
}
