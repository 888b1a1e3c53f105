// Package registry discovers the libraries an API key can reach, keeps the
// local library table aligned with that set, and drives a full sync for each
// active one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/syncer"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// Cloud is the discovery surface of the remote API.
type Cloud interface {
	KeyInfo(ctx context.Context) (*zotero.APIKey, error)
	GroupVersions(ctx context.Context, userID int64) (map[int64]int64, error)
	Group(ctx context.Context, groupID int64) (*zotero.Group, error)
}

// Storage is the library table surface the registry maintains.
type Storage interface {
	GetLibrary(ctx context.Context, ref zotero.LibraryRef) (*store.Library, error)
	CreateLibrary(ctx context.Context, lib *store.Library) (bool, error)
	UpdateLibraryData(ctx context.Context, ref zotero.LibraryRef, version int64, data store.Document, deleted bool) error
	ClearLocal(ctx context.Context, ref zotero.LibraryRef) error
	DeleteUnknownLibraries(ctx context.Context, userID int64, groupIDs []int64) (int64, error)
}

// Syncer runs a full sync of one library.
type Syncer interface {
	Sync(ctx context.Context, lib *store.Library) error
}

var (
	_ Cloud   = (*zotero.Client)(nil)
	_ Storage = (*store.Store)(nil)
	_ Syncer  = (*syncer.Engine)(nil)
)

// Options tune a single registry run.
type Options struct {
	// SyncOnly restricts the run to these library ids. Empty means all.
	SyncOnly []int64
	// ClearBeforeSync lists libraries whose local mirror is wiped and
	// rebuilt from scratch during this run.
	ClearBeforeSync []int64
	// NewGroupActive is the active flag given to group libraries seen for
	// the first time.
	NewGroupActive bool
	// MaxConcurrent bounds how many libraries sync in parallel.
	MaxConcurrent int
}

// Registry coordinates batch syncs across all reachable libraries.
type Registry struct {
	cloud  Cloud
	store  Storage
	syncer Syncer
}

// New builds a Registry over the given API client, database and sync engine.
func New(cloud Cloud, storage Storage, engine Syncer) *Registry {
	return &Registry{cloud: cloud, store: storage, syncer: engine}
}

// Run resolves the key, syncs the user library and every reachable group
// library through the allowlist, refreshes stale group metadata, and prunes
// libraries the key can no longer see. Individual library failures are
// logged and counted; Run returns an error when any library failed.
func (r *Registry) Run(ctx context.Context, opts Options) error {
	started := time.Now()

	key, err := r.cloud.KeyInfo(ctx)
	if err != nil {
		return fmt.Errorf("resolve api key: %w", err)
	}
	groups, err := r.cloud.GroupVersions(ctx, key.UserID)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	slog.Info("batch sync starting",
		"user", key.UserID, "username", key.Username, "groups", len(groups))

	allow := mapset.NewSet(opts.SyncOnly...)
	clear := mapset.NewSet(opts.ClearBeforeSync...)

	limit := opts.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	var attempted, failed atomic.Int32

	if allowed(allow, key.UserID) {
		attempted.Add(1)
		g.Go(func() error {
			if err := r.syncUser(ctx, key, clear); err != nil {
				slog.Error("user library sync failed", "library", key.UserID, "error", err)
				failed.Add(1)
			}
			return nil
		})
	}

	groupIDs := make([]int64, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })

	for _, id := range groupIDs {
		id := id
		if !allowed(allow, id) {
			continue
		}
		remoteVersion := groups[id]
		attempted.Add(1)
		g.Go(func() error {
			if err := r.syncGroup(ctx, id, remoteVersion, opts.NewGroupActive, clear); err != nil {
				slog.Error("group library sync failed", "library", id, "error", err)
				failed.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()

	// Prune with the full remote set, not the allowlisted one, so a
	// restricted run never drops mirrors of the other libraries.
	removed, err := r.store.DeleteUnknownLibraries(ctx, key.UserID, groupIDs)
	if err != nil {
		return fmt.Errorf("prune unknown libraries: %w", err)
	}
	if removed > 0 {
		slog.Info("pruned unknown libraries", "count", removed)
	}

	slog.Info("batch sync finished",
		"libraries", attempted.Load(), "failed", failed.Load(), "took", time.Since(started))
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d libraries failed to sync", n, attempted.Load())
	}
	return nil
}

func (r *Registry) syncUser(ctx context.Context, key *zotero.APIKey, clear mapset.Set[int64]) error {
	ref := zotero.LibraryRef{ID: key.UserID, Type: zotero.LibraryTypeUser}
	profile, err := store.NewDocument(&zotero.UserData{
		ID:          key.UserID,
		Username:    key.Username,
		DisplayName: key.DisplayName,
	})
	if err != nil {
		return err
	}
	// The key owner's library is always wanted once discovered.
	lib, err := r.ensureLibrary(ctx, ref, true, profile)
	if err != nil {
		return err
	}
	return r.syncLibrary(ctx, lib, clear)
}

func (r *Registry) syncGroup(ctx context.Context, id, remoteVersion int64, newGroupActive bool, clear mapset.Set[int64]) error {
	ref := zotero.LibraryRef{ID: id, Type: zotero.LibraryTypeGroup}
	lib, err := r.ensureLibrary(ctx, ref, newGroupActive, nil)
	if err != nil {
		return err
	}
	if err := r.syncLibrary(ctx, lib, clear); err != nil {
		return err
	}
	if !lib.Active {
		return nil
	}
	if lib.Version < remoteVersion || lib.Deleted || lib.IsModified {
		if err := r.refreshGroupData(ctx, lib); err != nil {
			return fmt.Errorf("refresh group metadata: %w", err)
		}
	}
	return nil
}

// syncLibrary runs the shared per-library steps: honor the active flag,
// clear first when requested, then hand off to the engine.
func (r *Registry) syncLibrary(ctx context.Context, lib *store.Library, clear mapset.Set[int64]) error {
	ref := lib.Ref()
	if !lib.Active {
		slog.Info("skipping inactive library", "library", ref.String())
		return nil
	}
	if clear.Contains(lib.ID) {
		slog.Info("clearing library before sync", "library", ref.String())
		if err := r.store.ClearLocal(ctx, ref); err != nil {
			return err
		}
		fresh, err := r.store.GetLibrary(ctx, ref)
		if err != nil {
			return err
		}
		*lib = *fresh
	}
	return r.syncer.Sync(ctx, lib)
}

// ensureLibrary loads the library row, creating it on first sight with the
// given active flag, direction tolocal and zeroed watermarks.
func (r *Registry) ensureLibrary(ctx context.Context, ref zotero.LibraryRef, active bool, data store.Document) (*store.Library, error) {
	lib, err := r.store.GetLibrary(ctx, ref)
	if err == nil {
		return lib, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	created, err := r.store.CreateLibrary(ctx, &store.Library{
		ID:        ref.ID,
		Type:      ref.Type,
		Data:      data,
		Active:    active,
		Direction: store.DirectionToLocal,
	})
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("registered new library", "library", ref.String(), "active", active)
	}
	return r.store.GetLibrary(ctx, ref)
}

func (r *Registry) refreshGroupData(ctx context.Context, lib *store.Library) error {
	group, err := r.cloud.Group(ctx, lib.ID)
	if err != nil {
		return err
	}
	data, err := store.NewDocument(&group.Data)
	if err != nil {
		return err
	}
	slog.Info("updating group metadata",
		"library", lib.Ref().String(), "name", group.Data.Name, "version", group.Version)
	return r.store.UpdateLibraryData(ctx, lib.Ref(), group.Version, data, false)
}

func allowed(allow mapset.Set[int64], id int64) bool {
	return allow.Cardinality() == 0 || allow.Contains(id)
}
