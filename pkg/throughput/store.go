// Copyright 2026 TiKV Project Authors.
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

package throughput

import (
	"context"
	"slices"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tikv/throughput-control/pkg/errs"
)

// Store keeps the started group controllers of every container.
type Store struct {
	mu sync.RWMutex
	// groups are kept in the order they were added, the first one able to
	// handle a request throttles it.
	groups map[string][]*GroupController
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{groups: make(map[string][]*GroupController)}
}

// AddGroup starts the group controller and registers it.
func (s *Store) AddGroup(ctx context.Context, gc *GroupController) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups[gc.Container()] {
		if g.GroupName() == gc.GroupName() {
			return errs.ErrGroupControllerExisted.FastGenByArgs(gc.GroupName(), gc.Container())
		}
	}
	if err := gc.Start(ctx); err != nil {
		return err
	}
	s.groups[gc.Container()] = append(s.groups[gc.Container()], gc)
	return nil
}

// RemoveGroup stops the group and unregisters it. Removing an unknown group is a no-op.
func (s *Store) RemoveGroup(container, group string) error {
	s.mu.Lock()
	groups := s.groups[container]
	idx := slices.IndexFunc(groups, func(g *GroupController) bool { return g.GroupName() == group })
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	gc := groups[idx]
	groups = slices.Delete(slices.Clone(groups), idx, idx+1)
	if len(groups) == 0 {
		delete(s.groups, container)
	} else {
		s.groups[container] = groups
	}
	s.mu.Unlock()
	return gc.Stop()
}

// GetGroup returns the group controller of the container.
func (s *Store) GetGroup(container, group string) (*GroupController, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups[container] {
		if g.GroupName() == group {
			return g, true
		}
	}
	return nil, false
}

// ProcessRequest throttles the request by the first group of the container able
// to handle it. Requests no group can handle are passed to next directly.
func (s *Store) ProcessRequest(ctx context.Context, container string, req Request, next func(context.Context) error) error {
	s.mu.RLock()
	groups := s.groups[container]
	s.mu.RUnlock()
	for _, g := range groups {
		if g.CanHandleRequest(req) {
			return g.ProcessRequest(ctx, req, next)
		}
	}
	unmatchedRequestCounter.WithLabelValues(container).Inc()
	return next(ctx)
}

// Close stops every group. It returns all the errors met.
func (s *Store) Close() error {
	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[string][]*GroupController)
	s.mu.Unlock()

	var err error
	for container, gs := range groups {
		for _, g := range gs {
			if e := g.Stop(); e != nil {
				log.Warn("[throughput controller] stop group controller failed",
					zap.String("group", g.GroupName()), zap.String("container", container), errs.ZapError(e))
				err = multierr.Append(err, e)
			}
		}
	}
	return err
}
