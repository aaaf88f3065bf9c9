package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"baliseregistry/internal/domain"
)

// VersionResolver decides which version of a balise a caller may see.
// Admins and the lock owner see the live row. Everybody else only ever sees
// OFFICIAL data.
type VersionResolver struct {
	store BaliseStore
}

func NewVersionResolver(store BaliseStore) *VersionResolver {
	return &VersionResolver{store: store}
}

// seesLiveRecord reports whether caller may observe the live row verbatim
func seesLiveRecord(caller domain.Principal, b *domain.Balise) bool {
	return caller.IsAdmin || b.IsLockedBy(caller.UserID)
}

// mergeOfficialVersion returns live with the versioned fields taken from v.
// Lock state and soft-delete markers always come from the live row.
func mergeOfficialVersion(live domain.Balise, v domain.BaliseVersion) domain.Balise {
	return domain.Balise{
		SecondaryID:     live.SecondaryID,
		Version:         v.Version,
		VersionStatus:   v.VersionStatus,
		Description:     v.Description,
		FileTypes:       append(pq.StringArray(nil), v.FileTypes...),
		Locked:          live.Locked,
		LockedBy:        live.LockedBy,
		LockedAtVersion: live.LockedAtVersion,
		LockReason:      live.LockReason,
		CreatedBy:       v.CreatedBy,
		CreatedTime:     v.CreatedTime,
		DeletedAt:       live.DeletedAt,
		DeletedBy:       live.DeletedBy,
	}
}

// Resolve returns the view of b that caller is entitled to. An UNCONFIRMED
// live row without any OFFICIAL history yields ErrNoConfirmedVersion.
func (r *VersionResolver) Resolve(ctx context.Context, caller domain.Principal, b *domain.Balise) (*domain.Balise, error) {
	if seesLiveRecord(caller, b) || b.VersionStatus == domain.VersionStatusOfficial {
		return b, nil
	}

	latest, err := r.store.LatestOfficialVersions(ctx, []int{b.SecondaryID})
	if err != nil {
		return nil, err
	}

	v, ok := latest[b.SecondaryID]
	if !ok {
		return nil, fmt.Errorf("%w: balise %d", ErrNoConfirmedVersion, b.SecondaryID)
	}

	merged := mergeOfficialVersion(*b, v)
	return &merged, nil
}

// ResolveMany resolves a page of balises with a single history lookup.
// Balises that have no confirmed version for caller are left out. The
// result is ordered by secondary id.
func (r *VersionResolver) ResolveMany(ctx context.Context, caller domain.Principal, balises []domain.Balise) ([]domain.Balise, error) {
	var pending []int
	for i := range balises {
		if !seesLiveRecord(caller, &balises[i]) && balises[i].VersionStatus != domain.VersionStatusOfficial {
			pending = append(pending, balises[i].SecondaryID)
		}
	}

	latest := map[int]domain.BaliseVersion{}
	if len(pending) > 0 {
		var err error
		latest, err = r.store.LatestOfficialVersions(ctx, pending)
		if err != nil {
			return nil, err
		}
	}

	resolved := make([]domain.Balise, 0, len(balises))
	for i := range balises {
		b := balises[i]
		if seesLiveRecord(caller, &b) || b.VersionStatus == domain.VersionStatusOfficial {
			resolved = append(resolved, b)
			continue
		}
		if v, ok := latest[b.SecondaryID]; ok {
			resolved = append(resolved, mergeOfficialVersion(b, v))
		}
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].SecondaryID < resolved[j].SecondaryID
	})

	return resolved, nil
}

// FilterHistoryForUser trims a history list to what caller may see: admins
// get everything, the lock owner gets versions since the lock was taken,
// everybody else gets nothing.
func FilterHistoryForUser(caller domain.Principal, b *domain.Balise, versions []domain.BaliseVersion) []domain.BaliseVersion {
	if caller.IsAdmin {
		return versions
	}
	if !b.IsLockedBy(caller.UserID) || b.LockedAtVersion == nil {
		return []domain.BaliseVersion{}
	}

	filtered := make([]domain.BaliseVersion, 0, len(versions))
	for _, v := range versions {
		if v.Version >= *b.LockedAtVersion {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// CheckSpecificVersionAccess rejects explicit version queries from callers
// that are neither admin nor lock owner, and owner queries for versions
// older than the lock.
func CheckSpecificVersionAccess(caller domain.Principal, b *domain.Balise, version int) error {
	if caller.IsAdmin {
		return nil
	}
	if !b.IsLockedBy(caller.UserID) {
		return fmt.Errorf("%w: only an admin or the lock owner may request a specific version", ErrPermissionDenied)
	}
	if b.LockedAtVersion != nil && version < *b.LockedAtVersion {
		return fmt.Errorf("%w: version %d predates the lock taken at version %d", ErrPermissionDenied, version, *b.LockedAtVersion)
	}
	return nil
}
