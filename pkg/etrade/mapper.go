package etrade

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kpopdotlink/broker-etrade/pkg/models"
)

// Order payload constants for equity orders. Every order this adapter
// places is a regular-session, good-for-day equity order.
const (
	orderTypeEquity      = "EQ"
	orderTermGoodForDay  = "GOOD_FOR_DAY"
	marketSessionRegular = "REGULAR"
	quantityTypeQuantity = "QUANTITY"
	securityTypeEquity   = "EQ"
	orderStatusRejected  = "REJECTED"
)

// validateOrder enforces the order contract before any network call:
// only market and limit orders are supported, a limit order requires a
// price, and a market order must not carry one.
func validateOrder(order models.Order) error {
	if order.Symbol == "" {
		return validationError("order has no symbol")
	}
	if order.Quantity <= 0 {
		return validationError("order quantity must be positive, got %v", order.Quantity)
	}
	switch order.Side {
	case models.OrderSideBuy, models.OrderSideSell:
	default:
		return validationError("unsupported order side %q", order.Side)
	}
	switch order.Type {
	case models.OrderTypeMarket:
		if order.LimitPrice != nil {
			return validationError("market order must not carry a limit price")
		}
	case models.OrderTypeLimit:
		if order.LimitPrice == nil {
			return validationError("limit order requires a limit price")
		}
		if *order.LimitPrice <= 0 {
			return validationError("limit price must be positive, got %v", *order.LimitPrice)
		}
	default:
		return validationError("unsupported order type %q", order.Type)
	}
	return nil
}

// orderToWire builds the E*TRADE order-placement payload. The order
// must already have passed validateOrder.
func orderToWire(order models.Order, clientOrderID string) placeOrderRequest {
	var action string
	switch order.Side {
	case models.OrderSideBuy:
		action = "BUY"
	case models.OrderSideSell:
		action = "SELL"
	}

	var priceType string
	switch order.Type {
	case models.OrderTypeMarket:
		priceType = "MARKET"
	case models.OrderTypeLimit:
		priceType = "LIMIT"
	}

	instrument := wireInstrument{
		OrderAction:  action,
		QuantityType: quantityTypeQuantity,
		Quantity:     order.Quantity,
	}
	instrument.Product.SecurityType = securityTypeEquity
	instrument.Product.Symbol = order.Symbol

	return placeOrderRequest{
		PlaceOrderRequest: placeOrderInner{
			OrderType:     orderTypeEquity,
			ClientOrderID: clientOrderID,
			Order: []wireOrder{{
				AllOrNone:     false,
				PriceType:     priceType,
				OrderTerm:     orderTermGoodForDay,
				MarketSession: marketSessionRegular,
				LimitPrice:    order.LimitPrice,
				Instrument:    []wireInstrument{instrument},
			}},
		},
	}
}

// mapPlaceResponse turns the broker's placement response into an
// OrderResult. A missing broker order id falls back to the client order
// id; rejection reasons are carried verbatim.
func mapPlaceResponse(resp placeOrderResponse, clientOrderID string) models.OrderResult {
	inner := resp.PlaceOrderResponse

	result := models.OrderResult{
		OrderID:       clientOrderID,
		ClientOrderID: clientOrderID,
		Accepted:      true,
	}
	if len(inner.OrderIDs) > 0 {
		result.OrderID = fmt.Sprintf("%d", inner.OrderIDs[0].OrderID)
	}

	for _, o := range inner.Order {
		if strings.EqualFold(o.Status, orderStatusRejected) {
			result.Accepted = false
		}
		for _, m := range o.Messages.Message {
			if result.Reason != "" {
				result.Reason += "; "
			}
			result.Reason += m.Description
		}
	}
	if result.Accepted {
		// Informational messages on an accepted order are not a reason.
		result.Reason = ""
	}
	return result
}

// mapBalance converts a real-time balance record to the canonical
// AccountBalance. All three figures are required; a negative buying
// power (margin call) passes through unmodified.
func mapBalance(w wireBalance) (models.AccountBalance, error) {
	if w.TotalAccountValue == nil {
		return models.AccountBalance{}, mappingError("balance record missing totalAccountValue")
	}
	if w.NetMv == nil {
		return models.AccountBalance{}, mappingError("balance record missing netMv")
	}
	if w.TotalLongValue == nil {
		return models.AccountBalance{}, mappingError("balance record missing totalLongValue")
	}
	return models.AccountBalance{
		Currency:      "USD",
		TotalEquity:   *w.TotalAccountValue,
		AvailableCash: *w.NetMv,
		BuyingPower:   *w.TotalLongValue,
	}, nil
}

// balanceToWire is the inverse of mapBalance. Monetary values round-trip
// without loss: both directions are identity on the float64.
func balanceToWire(b models.AccountBalance) wireBalance {
	total := b.TotalEquity
	netMv := b.AvailableCash
	long := b.BuyingPower
	return wireBalance{
		TotalAccountValue: &total,
		NetMv:             &netMv,
		TotalLongValue:    &long,
	}
}

// mapPosition converts a portfolio position record. Symbol and quantity
// are required; the current price falls back from the last trade to the
// cost basis when the quote block is absent.
func mapPosition(w wirePosition) (models.Position, error) {
	if w.Product.Symbol == "" {
		return models.Position{}, mappingError("position record missing Product.symbol")
	}
	if w.Quantity == nil {
		return models.Position{}, mappingError("position record for %s missing quantity", w.Product.Symbol)
	}

	pos := models.Position{
		Symbol:   w.Product.Symbol,
		Quantity: *w.Quantity,
	}
	if w.CostPerShare != nil {
		pos.CostPerShare = *w.CostPerShare
	}
	if w.MarketValue != nil {
		pos.MarketValue = *w.MarketValue
	}
	if w.TotalGain != nil {
		pos.UnrealizedPL = *w.TotalGain
	}
	if w.TotalGainPct != nil {
		pos.UnrealizedPLPct = *w.TotalGainPct
	}
	if w.Quick != nil && w.Quick.LastTrade != nil {
		pos.CurrentPrice = *w.Quick.LastTrade
	} else {
		pos.CurrentPrice = pos.CostPerShare
	}
	return pos, nil
}

// mapPositions flattens the portfolio envelope.
func mapPositions(resp portfolioResponse) ([]models.Position, error) {
	var positions []models.Position
	for _, portfolio := range resp.PortfolioResponse.AccountPortfolio {
		for _, w := range portfolio.Position {
			pos, err := mapPosition(w)
			if err != nil {
				return nil, err
			}
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// newClientOrderID generates a fresh client order id for placement
// requests; the broker echoes it back and it serves as the fallback
// order identifier.
func newClientOrderID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("etrade: reading random order id: %v", err))
	}
	return fmt.Sprintf("KL%016x", binary.BigEndian.Uint64(b[:]))
}
