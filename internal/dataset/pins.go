// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import "sync"

// pins counts live checkouts per table URI and version. Cleanup never
// removes a pinned version.
var pins = struct {
	sync.Mutex
	m map[string]map[uint64]int
}{m: make(map[string]map[uint64]int)}

// Pin protects version of the table at uri from cleanup until the returned
// function is called. The release function is idempotent.
func Pin(uri string, version uint64) func() {
	pins.Lock()
	if pins.m[uri] == nil {
		pins.m[uri] = make(map[uint64]int)
	}
	pins.m[uri][version]++
	pins.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			pins.Lock()
			defer pins.Unlock()
			pins.m[uri][version]--
			if pins.m[uri][version] <= 0 {
				delete(pins.m[uri], version)
			}
			if len(pins.m[uri]) == 0 {
				delete(pins.m, uri)
			}
		})
	}
}

// Pinned returns the versions of the table at uri held by live checkouts
func Pinned(uri string) map[uint64]bool {
	pins.Lock()
	defer pins.Unlock()
	out := make(map[uint64]bool, len(pins.m[uri]))
	for v := range pins.m[uri] {
		out[v] = true
	}
	return out
}

// Pin protects the snapshot's version from cleanup
func (d *Dataset) Pin() func() {
	return Pin(d.t.store.URI(), d.manifest.Version)
}
