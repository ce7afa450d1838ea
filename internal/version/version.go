// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// Program is the binary and metric namespace name
const Program = "corepower"

// set via -ldflags "-X"
var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	v := version
	if v == "" {
		v = "dev"
	}
	return VersionInfo{
		Version:   v,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

// String formats the version the way --version prints it
func (v VersionInfo) String() string {
	return fmt.Sprintf("%s %s (branch: %s, revision: %s, built: %s) %s %s/%s",
		Program, v.Version, v.GitBranch, v.GitCommit, v.BuildTime, v.GoVersion, v.GoOS, v.GoArch)
}
