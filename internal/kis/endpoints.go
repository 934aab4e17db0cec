package kis

// Endpoint pairs an API path with the transaction ID the KIS gateway
// requires in the tr_id request header.
type Endpoint struct {
	Path string
	TrID string
}

var (
	watchlistGroupList = Endpoint{
		Path: "/uapi/domestic-stock/v1/quotations/intstock-grouplist",
		TrID: "HHKCM113004C7",
	}
	watchlistStocksByGroup = Endpoint{
		Path: "/uapi/domestic-stock/v1/quotations/intstock-stocklist-by-group",
		TrID: "HHKCM113004C6",
	}
	domesticStockDailyPrice = Endpoint{
		Path: "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		TrID: "FHKST03010100",
	}
	domesticIndexDailyPrice = Endpoint{
		Path: "/uapi/domestic-stock/v1/quotations/inquire-index-daily-price",
		TrID: "FHPUP02120000",
	}
	overseasStockDailyPrice = Endpoint{
		Path: "/uapi/overseas-price/v1/quotations/dailyprice",
		TrID: "HHDFS76240000",
	}
	overseasIndexDailyPrice = Endpoint{
		Path: "/uapi/overseas-price/v1/quotations/inquire-daily-chartprice",
		TrID: "FHKST03030100",
	}
)

const tokenPath = "/oauth2/tokenP"
