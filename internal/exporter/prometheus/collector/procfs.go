// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"github.com/prometheus/procfs"
)

// procFS is the part of prometheus/procfs the collectors read
type procFS interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

type realProcFS struct {
	fs procfs.FS
}

func (r *realProcFS) CPUInfo() ([]procfs.CPUInfo, error) {
	return r.fs.CPUInfo()
}

func newProcFS(mountPoint string) (procFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &realProcFS{fs: fs}, nil
}
