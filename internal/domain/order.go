package domain

import "time"

// OptionType is the option right of a contract.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Side maps an option type to the spread side it belongs to.
func (o OptionType) Side() Side {
	if o == OptionCall {
		return SideCall
	}
	return SidePut
}

// TransactionType is the direction of a broker order.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// OrderStatusComplete is the broker status of a fully filled order.
const OrderStatusComplete = "COMPLETE"

// CompletedOrder is one fill record from the broker's order book, with the
// option contract fields parsed from the trading symbol.
type CompletedOrder struct {
	OrderID         string
	Symbol          string
	Exchange        string
	Underlying      string
	OptionType      OptionType
	Strike          float64
	TransactionType TransactionType
	AvgPrice        float64
	FilledQty       int
	Token           uint32
	Status          string
	Timestamp       time.Time
}

// OrderRequest is a single market order sent by the exit executor.
type OrderRequest struct {
	Exchange        string
	Symbol          string
	TransactionType TransactionType
	Quantity        int
	OrderType       string // MARKET
	Product         string // NRML
	Tag             string
}

// OrderResult is the broker acknowledgement for an accepted order.
type OrderResult struct {
	OrderID string
}

// Tick is the latest traded price of one instrument.
type Tick struct {
	Token     uint32
	LastPrice float64
}
