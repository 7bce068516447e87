/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rails

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blnkfinance/settle/config"
)

// Registry maps bank codes to rails.
type Registry struct {
	mu    sync.RWMutex
	rails map[string]Rail
}

func NewRegistry() *Registry {
	return &Registry{rails: make(map[string]Rail)}
}

// NewRegistryFromConfig registers one rail per configured bank.
func NewRegistryFromConfig(cfg map[string]config.RailConfig) *Registry {
	r := NewRegistry()
	for code, rc := range cfg {
		if rc.Sandbox {
			r.Register(code, NewSandboxRail(code))
			continue
		}
		r.Register(code, NewHTTPRail(code, rc))
	}
	return r
}

func (r *Registry) Register(bankCode string, rail Rail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[bankCode] = rail
}

// Get returns the rail for bankCode or an error wrapping ErrRailNotConfigured.
func (r *Registry) Get(bankCode string) (Rail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rail, ok := r.rails[bankCode]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrRailNotConfigured, bankCode)
	}
	return rail, nil
}

// BankCodes lists the registered banks in order.
func (r *Registry) BankCodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.rails))
	for code := range r.rails {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
