// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topic holds the immutable mapping from topic name to its
// allow-list and recipients. A Registry is built once from configuration
// and never mutated; reloads build a new Registry and publish it through a
// Holder.
package topic

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync/atomic"

	"github.com/hookrelay/relay/internal/config"
	"github.com/hookrelay/relay/internal/netmatch"
)

var (
	ErrDuplicateTopic = errors.New("duplicate topic")
	ErrNoRecipients   = errors.New("topic has no recipients")
	ErrEmptyName      = errors.New("topic name is empty")
)

// ConfigError reports an invalid topic definition. It is fatal at startup.
type ConfigError struct {
	Topic string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("topic %q: %v", e.Topic, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Topic is a named channel with its own allow-list and recipients.
type Topic struct {
	name       string
	allowList  netmatch.List
	recipients []string
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Recipients returns a copy of the recipients in delivery order.
func (t *Topic) Recipients() []string {
	return append([]string(nil), t.recipients...)
}

// AllowList returns a copy of the allowed networks.
func (t *Topic) AllowList() []netmatch.Network {
	return append([]netmatch.Network(nil), t.allowList...)
}

// IsAuthorized reports whether addr matches any network in the allow-list.
func (t *Topic) IsAuthorized(addr netip.Addr) bool {
	return t.allowList.Any(addr)
}

// Registry maps topic names to topics.
type Registry struct {
	topics map[string]*Topic
}

// NewRegistry validates the definitions and builds a registry. Any error
// is a *ConfigError.
func NewRegistry(defs []config.TopicConfig) (*Registry, error) {
	r := &Registry{topics: make(map[string]*Topic, len(defs))}

	for _, def := range defs {
		if def.Name == "" {
			return nil, &ConfigError{Topic: def.Name, Err: ErrEmptyName}
		}
		if _, dup := r.topics[def.Name]; dup {
			return nil, &ConfigError{Topic: def.Name, Err: ErrDuplicateTopic}
		}
		if len(def.Recipients) == 0 {
			return nil, &ConfigError{Topic: def.Name, Err: ErrNoRecipients}
		}
		for _, rc := range def.Recipients {
			if rc == "" {
				return nil, &ConfigError{Topic: def.Name, Err: fmt.Errorf("empty recipient identifier")}
			}
		}

		allow, err := netmatch.ParseList(def.AllowList)
		if err != nil {
			return nil, &ConfigError{Topic: def.Name, Err: err}
		}

		r.topics[def.Name] = &Topic{
			name:       def.Name,
			allowList:  allow,
			recipients: append([]string(nil), def.Recipients...),
		}
	}

	return r, nil
}

// Lookup finds a topic by exact, case-sensitive name.
func (r *Registry) Lookup(name string) (*Topic, bool) {
	t, ok := r.topics[name]
	return t, ok
}

// IsAuthorized reports whether addr may post to t.
func (r *Registry) IsAuthorized(t *Topic, addr netip.Addr) bool {
	return t.IsAuthorized(addr)
}

// Len returns the number of topics.
func (r *Registry) Len() int { return len(r.topics) }

// Names returns the topic names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Holder publishes registry snapshots. Readers call Load once per request
// and use that snapshot throughout.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder creates a holder with an initial registry.
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Registry { return h.current.Load() }

// Swap publishes a new snapshot and returns the previous one.
func (h *Holder) Swap(r *Registry) *Registry { return h.current.Swap(r) }
