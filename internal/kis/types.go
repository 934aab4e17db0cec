package kis

import "fmt"

// APIError is an error embedded in a KIS response body. The API returns
// HTTP 200 with a result code; anything other than "0" is a failure carrying
// the upstream message.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("kis api error: %s", e.Message)
	}
	return fmt.Sprintf("kis api error (rt_cd=%s): %s", e.Code, e.Message)
}

// response is implemented by every KIS response envelope so the client can
// check the embedded result code uniformly.
type response interface {
	resultCode() string
	message() string
}

// envelope carries the result fields every KIS response starts with.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e envelope) resultCode() string { return e.RtCd }
func (e envelope) message() string    { return e.Msg1 }

// ---------------------------------------------------------------------------
// Daily price responses, one per asset class
// ---------------------------------------------------------------------------

type domesticStockDailyResponse struct {
	envelope
	Output2 []domesticStockPriceItem `json:"output2"`
}

type domesticStockPriceItem struct {
	StckBsopDate string `json:"stck_bsop_date"` // trade date, yyyyMMdd
	StckOprc     string `json:"stck_oprc"`      // open
	StckHgpr     string `json:"stck_hgpr"`      // high
	StckLwpr     string `json:"stck_lwpr"`      // low
	StckClpr     string `json:"stck_clpr"`      // close
	AcmlVol      string `json:"acml_vol"`       // accumulated volume
	AcmlTrPbmn   string `json:"acml_tr_pbmn"`   // accumulated trading value
}

type domesticIndexDailyResponse struct {
	envelope
	Output2 []domesticIndexPriceItem `json:"output2"`
}

type domesticIndexPriceItem struct {
	StckBsopDate string `json:"stck_bsop_date"`
	BstpNmixOprc string `json:"bstp_nmix_oprc"`
	BstpNmixHgpr string `json:"bstp_nmix_hgpr"`
	BstpNmixLwpr string `json:"bstp_nmix_lwpr"`
	BstpNmixPrpr string `json:"bstp_nmix_prpr"`
	AcmlVol      string `json:"acml_vol"`
	AcmlTrPbmn   string `json:"acml_tr_pbmn"`
}

type overseasStockDailyResponse struct {
	envelope
	Output2 []overseasStockPriceItem `json:"output2"`
}

// overseasStockPriceItem carries bid/ask fields that are irrelevant to the
// daily price record; they are decoded and discarded.
type overseasStockPriceItem struct {
	Xymd string `json:"xymd"` // trade date, yyyyMMdd
	Clos string `json:"clos"`
	Open string `json:"open"`
	High string `json:"high"`
	Low  string `json:"low"`
	Tvol string `json:"tvol"`
	Tamt string `json:"tamt"`
	Pbid string `json:"pbid"`
	Pask string `json:"pask"`
}

type overseasIndexDailyResponse struct {
	envelope
	Output2 []overseasIndexPriceItem `json:"output2"`
}

// overseasIndexPriceItem has no trading-value field; the record stores zero.
type overseasIndexPriceItem struct {
	StckBsopDate string `json:"stck_bsop_date"`
	OvrsNmixOprc string `json:"ovrs_nmix_oprc"`
	OvrsNmixHgpr string `json:"ovrs_nmix_hgpr"`
	OvrsNmixLwpr string `json:"ovrs_nmix_lwpr"`
	OvrsNmixPrpr string `json:"ovrs_nmix_prpr"`
	AcmlVol      string `json:"acml_vol"`
}

// ---------------------------------------------------------------------------
// Watchlist responses
// ---------------------------------------------------------------------------

type watchlistGroupResponse struct {
	envelope
	Output2 []GroupItem `json:"output2"`
}

// GroupItem is one watchlist group as reported by the API.
type GroupItem struct {
	InterGrpCode string `json:"inter_grp_code"`
	InterGrpName string `json:"inter_grp_name"`
}

type watchlistStockResponse struct {
	envelope
	Output2 []StockItem `json:"output2"`
}

// StockItem is one watchlist membership entry as reported by the API.
type StockItem struct {
	FidMrktClsCode string `json:"fid_mrkt_cls_code"`
	JongCode       string `json:"jong_code"`
	HtsKorIsnm     string `json:"hts_kor_isnm"`
	ExchCode       string `json:"exch_code"`
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken             string `json:"access_token"`
	AccessTokenTokenExpired string `json:"access_token_token_expired"` // "2006-01-02 15:04:05"
	TokenType               string `json:"token_type"`
	ExpiresIn               int64  `json:"expires_in"`
}
