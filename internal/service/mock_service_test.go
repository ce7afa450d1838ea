// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// plainService implements only Service
type plainService struct {
	name string
}

func (p *plainService) Name() string {
	return p.name
}

// fakeService implements Initializer, Runner and Shutdowner and records the
// order of calls into a shared journal
type fakeService struct {
	plainService
	journal *journal

	initFn     func() error
	runFn      func(ctx context.Context) error
	shutdownFn func() error
}

func (f *fakeService) Init() error {
	f.journal.add(f.name + ".init")
	if f.initFn != nil {
		return f.initFn()
	}
	return nil
}

func (f *fakeService) Run(ctx context.Context) error {
	f.journal.add(f.name + ".run")
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeService) Shutdown() error {
	f.journal.add(f.name + ".shutdown")
	if f.shutdownFn != nil {
		return f.shutdownFn()
	}
	return nil
}

// initOnly implements Initializer but not Shutdowner
type initOnly struct {
	plainService
	journal *journal
}

func (i *initOnly) Init() error {
	i.journal.add(i.name + ".init")
	return nil
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(e string) int {
	n := 0
	for _, x := range j.list() {
		if x == e {
			n++
		}
	}
	return n
}
