package etrade

import (
	"encoding/json"
)

// Wire records for the E*TRADE JSON envelopes. Optional numeric fields
// are pointers so the mapper can tell "absent" from zero.

type accountListResponse struct {
	AccountListResponse struct {
		Accounts struct {
			Account []wireAccount `json:"Account"`
		} `json:"Accounts"`
	} `json:"AccountListResponse"`
}

type wireAccount struct {
	AccountID     string `json:"accountId"`
	AccountIDKey  string `json:"accountIdKey"`
	AccountName   string `json:"accountName"`
	AccountDesc   string `json:"accountDesc"`
	AccountType   string `json:"accountType"`
	AccountStatus string `json:"accountStatus"`
}

type balanceResponse struct {
	BalanceResponse struct {
		Computed struct {
			RealTimeValues wireBalance `json:"RealTimeValues"`
		} `json:"Computed"`
	} `json:"BalanceResponse"`
}

// wireBalance is the real-time balance record. The three fields map to
// TotalEquity, AvailableCash and BuyingPower respectively.
type wireBalance struct {
	TotalAccountValue *float64 `json:"totalAccountValue,omitempty"`
	NetMv             *float64 `json:"netMv,omitempty"`
	TotalLongValue    *float64 `json:"totalLongValue,omitempty"`
}

type portfolioResponse struct {
	PortfolioResponse struct {
		AccountPortfolio []struct {
			Position []wirePosition `json:"Position"`
		} `json:"AccountPortfolio"`
	} `json:"PortfolioResponse"`
}

type wirePosition struct {
	Product struct {
		Symbol string `json:"symbol"`
	} `json:"Product"`
	Quantity     *float64 `json:"quantity"`
	CostPerShare *float64 `json:"costPerShare"`
	MarketValue  *float64 `json:"marketValue"`
	TotalGain    *float64 `json:"totalGain"`
	TotalGainPct *float64 `json:"totalGainPct"`
	Quick        *struct {
		LastTrade *float64 `json:"lastTrade"`
	} `json:"Quick"`
}

type placeOrderRequest struct {
	PlaceOrderRequest placeOrderInner `json:"PlaceOrderRequest"`
}

type placeOrderInner struct {
	OrderType     string      `json:"orderType"`
	ClientOrderID string      `json:"clientOrderId"`
	Order         []wireOrder `json:"Order"`
}

type wireOrder struct {
	AllOrNone     bool             `json:"allOrNone"`
	PriceType     string           `json:"priceType"`
	OrderTerm     string           `json:"orderTerm"`
	MarketSession string           `json:"marketSession"`
	LimitPrice    *float64         `json:"limitPrice,omitempty"`
	Instrument    []wireInstrument `json:"Instrument"`
}

type wireInstrument struct {
	Product struct {
		SecurityType string `json:"securityType"`
		Symbol       string `json:"symbol"`
	} `json:"Product"`
	OrderAction  string  `json:"orderAction"`
	QuantityType string  `json:"quantityType"`
	Quantity     float64 `json:"quantity"`
}

type placeOrderResponse struct {
	PlaceOrderResponse struct {
		OrderIDs []struct {
			OrderID int64 `json:"orderId"`
		} `json:"OrderIds"`
		Order []struct {
			Status   string `json:"status"`
			Messages struct {
				Message []struct {
					Code        json.Number `json:"code"`
					Description string      `json:"description"`
				} `json:"Message"`
			} `json:"messages"`
		} `json:"Order"`
	} `json:"PlaceOrderResponse"`
}
