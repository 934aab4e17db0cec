package kis

import (
	"context"
	"net/url"

	"github.com/jongtix/caa-collector-sub001/internal/config"
)

// WatchlistService reads the remote watchlist: the group list for a user and
// the membership of each group.
type WatchlistService struct {
	client  *Client
	auth    *AuthService
	account config.Account
	userID  string
}

// NewWatchlistService creates a WatchlistService for the given user.
func NewWatchlistService(client *Client, auth *AuthService, account config.Account, userID string) *WatchlistService {
	return &WatchlistService{client: client, auth: auth, account: account, userID: userID}
}

// Groups fetches every watchlist group of the configured user, in response
// order.
func (s *WatchlistService) Groups(ctx context.Context) ([]GroupItem, error) {
	token, err := s.auth.AccessToken(ctx, s.account)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("TYPE", "1")
	query.Set("USER_ID", s.userID)
	query.Set("FID_ETC_CLS_CODE", "00")

	var resp watchlistGroupResponse
	if err := s.client.get(ctx, watchlistGroupList, query, token, s.account, &resp); err != nil {
		return nil, err
	}
	return resp.Output2, nil
}

// StocksByGroup fetches the membership of one group, in response order.
// Response order matters: on duplicate stock codes the later item wins.
func (s *WatchlistService) StocksByGroup(ctx context.Context, groupCode string) ([]StockItem, error) {
	token, err := s.auth.AccessToken(ctx, s.account)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("TYPE", "1")
	query.Set("USER_ID", s.userID)
	query.Set("INTER_GRP_CODE", groupCode)

	var resp watchlistStockResponse
	if err := s.client.get(ctx, watchlistStocksByGroup, query, token, s.account, &resp); err != nil {
		return nil, err
	}
	return resp.Output2, nil
}
