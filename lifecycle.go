package alwaysoffline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PartitionRole is the version independent name of a partition.
type PartitionRole string

const (
	RoleStatic  PartitionRole = "static"
	RoleDynamic PartitionRole = "dynamic"
	RoleQuiz    PartitionRole = "quiz"
)

// VersionTable holds the current version tag of each partition role.
type VersionTable map[PartitionRole]string

// DefaultVersions returns a table with the standard roles, all at the given tag.
func DefaultVersions(tag string) VersionTable {
	return VersionTable{
		RoleStatic:  tag,
		RoleDynamic: tag,
		RoleQuiz:    tag,
	}
}

// Name returns the partition name for the role, e.g. static-v2.
func (v VersionTable) Name(role PartitionRole) string {
	return fmt.Sprintf("%s-%s", role, v[role])
}

// AllowList returns the names of all current partitions, sorted.
func (v VersionTable) AllowList() []string {
	names := make([]string, 0, len(v))
	for role := range v {
		names = append(names, v.Name(role))
	}
	sort.Strings(names)
	return names
}

func (v VersionTable) allows(name string) bool {
	for role := range v {
		if v.Name(role) == name {
			return true
		}
	}
	return false
}

type State int32

const (
	// Idle is the state before install. Requests are passed through.
	Idle State = iota
	Installing
	Waiting
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// OnInstall opens all partitions and precaches the offline document and
// the static assets. Precaching is best effort: failures are returned joined,
// but install completes and the engine activates anyway.
func (e *Engine) OnInstall(ctx context.Context) error {
	e.state.Store(int32(Installing))
	e.log.Info().Strs("partitions", e.versions.AllowList()).Msg("Installing")

	for _, name := range e.versions.AllowList() {
		if _, err := e.store.Open(ctx, name); err != nil {
			e.state.Store(int32(Idle))
			return fmt.Errorf("open partition %s: %w", name, err)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := errgroup.Group{}
	g.SetLimit(4)
	precache := func(role PartitionRole, path string, accept string) {
		g.Go(func() error {
			if err := e.precache(ctx, role, path, accept); err != nil {
				e.log.Warn().Err(err).Str("path", path).Msg("Could not precache")
				mu.Lock()
				errs = append(errs, fmt.Errorf("precache %s: %w", path, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if e.offlinePage != "" {
		precache(RoleDynamic, e.offlinePage, "text/html")
	}
	for _, path := range e.precacheList {
		precache(RoleStatic, path, "*/*")
	}
	g.Wait()

	e.state.Store(int32(Waiting))
	// there is no multi-version coexistence, the new version takes over immediately
	if err := e.skipWaiting(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) precache(ctx context.Context, role PartitionRole, path string, accept string) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	r.Header.Set("Accept", accept)
	p, err := e.partition(ctx, role)
	if err != nil {
		return err
	}
	res, err := e.fetch(ctx, r)
	if err != nil {
		return err
	}
	key, err := e.keyer.GetKey(r)
	if err != nil {
		return err
	}
	if _, ok := e.save(ctx, p, key, res, nil); !ok {
		return fmt.Errorf("could not store %s", path)
	}
	return nil
}

// OnActivate deletes every partition which is not in the current version
// table and claims all clients: every following request is intercepted.
func (e *Engine) OnActivate(ctx context.Context) error {
	names, err := e.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if e.versions.allows(name) {
			continue
		}
		if _, err := e.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
		e.log.Info().Str("partition", name).Msg("Deleted old partition")
	}
	e.state.Store(int32(Active))
	e.log.Info().Msg("Activated")
	return nil
}

// skipWaiting activates a waiting engine. It is a no-op in any other state.
func (e *Engine) skipWaiting(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.State() != Waiting {
		return nil
	}
	return e.OnActivate(ctx)
}
