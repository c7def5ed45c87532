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

// Package rawstore keeps raw RFC 5322 messages and hands them back by
// reference. References are "<scheme>:<location>" strings.
package rawstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a reference points at nothing.
	ErrNotFound = errors.New("raw message not found")

	// ErrBadRef is returned for references that cannot be routed.
	ErrBadRef = errors.New("invalid raw message reference")
)

// Getter returns raw message bytes for a reference.
type Getter interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Store also accepts new messages.
type Store interface {
	Getter
	Put(ctx context.Context, raw []byte) (string, error)
}

// SplitRef splits "scheme:location".
func SplitRef(ref string) (scheme, location string, err error) {
	scheme, location, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || location == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return scheme, location, nil
}

// Router dispatches Get calls by reference scheme. Put goes to the store
// registered as the default.
type Router struct {
	def     Store
	schemes map[string]Getter
}

// NewRouter creates a router whose Put writes to def. def is also
// registered under its own scheme.
func NewRouter(defScheme string, def Store) *Router {
	return &Router{
		def:     def,
		schemes: map[string]Getter{defScheme: def},
	}
}

// Handle registers a getter for a scheme.
func (r *Router) Handle(scheme string, g Getter) {
	r.schemes[scheme] = g
}

func (r *Router) Put(ctx context.Context, raw []byte) (string, error) {
	return r.def.Put(ctx, raw)
}

func (r *Router) Get(ctx context.Context, ref string) ([]byte, error) {
	scheme, _, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}
	g, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no store for scheme %q", ErrBadRef, scheme)
	}
	return g.Get(ctx, ref)
}
