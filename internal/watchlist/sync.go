// Package watchlist mirrors the user's broker-side watchlist into local
// storage: groups the user deleted remotely disappear locally, and each
// surviving group's membership is rebuilt from the remote listing.
package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
	"github.com/jongtix/caa-collector-sub001/internal/kis"
)

// RemoteSource lists the user's watchlist as the broker currently sees it.
type RemoteSource interface {
	Groups(ctx context.Context) ([]kis.GroupItem, error)
	StocksByGroup(ctx context.Context, groupCode string) ([]kis.StockItem, error)
}

// GroupStore is the slice of the watchlist store the reconciler needs.
type GroupStore interface {
	DeleteGroupsExcept(ctx context.Context, userID string, keepCodes []string) (int, error)
	UpsertGroup(ctx context.Context, group *domain.WatchlistGroup) error
	ReplaceMembers(ctx context.Context, groupID int64, stocks []domain.WatchlistStock) error
}

// Reconciler drives one synchronization pass of the user's watchlist.
type Reconciler struct {
	remote RemoteSource
	store  GroupStore
	userID string
	log    *slog.Logger
}

// NewReconciler creates a Reconciler for the given user.
func NewReconciler(remote RemoteSource, store GroupStore, userID string) *Reconciler {
	return &Reconciler{
		remote: remote,
		store:  store,
		userID: userID,
		log:    slog.Default().With("job", "watchlist-sync"),
	}
}

// Sync reconciles local state with the remote watchlist. Groups absent
// remotely are deleted with their memberships; every remote group is
// created or renamed, and its membership replaced wholesale. A failure to
// list one group's stocks skips that group, leaving its stored membership
// untouched; persistence failures abort the pass.
func (r *Reconciler) Sync(ctx context.Context) error {
	groups, err := r.remote.Groups(ctx)
	if err != nil {
		return fmt.Errorf("listing remote groups: %w", err)
	}

	keep := make([]string, 0, len(groups))
	for _, g := range groups {
		keep = append(keep, g.InterGrpCode)
	}
	removed, err := r.store.DeleteGroupsExcept(ctx, r.userID, keep)
	if err != nil {
		return fmt.Errorf("deleting stale groups: %w", err)
	}
	if removed > 0 {
		r.log.Info("removed groups deleted remotely", "count", removed)
	}

	synced := 0
	for _, item := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		group := &domain.WatchlistGroup{
			UserID:    r.userID,
			GroupCode: item.InterGrpCode,
			GroupName: item.InterGrpName,
		}
		if err := r.store.UpsertGroup(ctx, group); err != nil {
			return fmt.Errorf("upserting group %s: %w", item.InterGrpCode, err)
		}

		items, err := r.remote.StocksByGroup(ctx, item.InterGrpCode)
		if err != nil {
			r.log.Warn("skipping group, stock listing failed",
				"group", item.InterGrpCode, "err", err)
			continue
		}

		members := r.buildMembers(item.InterGrpCode, items)
		if err := r.store.ReplaceMembers(ctx, group.ID, members); err != nil {
			return fmt.Errorf("replacing members of group %s: %w", item.InterGrpCode, err)
		}
		synced++
	}

	r.log.Info("watchlist synchronized", "groups", synced, "removed", removed)
	return nil
}

// buildMembers maps the remote stock listing to membership rows. Blank stock
// codes are dropped and logged individually; a code appearing twice keeps
// its later occurrence.
func (r *Reconciler) buildMembers(groupCode string, items []kis.StockItem) []domain.WatchlistStock {
	members := make([]domain.WatchlistStock, 0, len(items))
	seen := make(map[string]int, len(items))
	duplicates := 0

	for _, it := range items {
		code := strings.TrimSpace(it.JongCode)
		if code == "" {
			r.log.Warn("dropping watchlist entry with blank stock code",
				"group", groupCode, "name", it.HtsKorIsnm)
			continue
		}

		member := domain.WatchlistStock{
			StockCode: code,
			StockName: it.HtsKorIsnm,
			Market:    domain.MarketCodeFromExchangeOrDefault(it.ExchCode, domain.KRX),
			AssetType: domain.AssetTypeFromMarketClass(it.FidMrktClsCode),
		}

		if idx, dup := seen[code]; dup {
			members[idx] = member
			duplicates++
			continue
		}
		seen[code] = len(members)
		members = append(members, member)
	}

	if duplicates > 0 {
		r.log.Warn("deduplicated repeated stock codes, keeping the later entries",
			"group", groupCode, "duplicates", duplicates)
	}
	return members
}
