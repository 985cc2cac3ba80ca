package broker

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types. Execution always delegates to
// venue-provided market/limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Holding is one asset position as reported by the venue.
type Holding struct {
	Symbol string
	Qty    float64
}

// Balance is the venue's view of an account: free quote currency plus
// current holdings. The venue is always the source of truth; local state is
// reconciled against this.
type Balance struct {
	Free     float64
	Holdings []Holding
}

// OrderRequest captures an order to be sent to a venue. Either Qty or
// Notional is set; market entries are sized by notional, exits by quantity.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      float64
	Notional float64 // quote-currency amount, used when Qty == 0
	Price    float64 // required for LIMIT
	ClientID string  // optional client order id
}

// OrderResult returns the exchange ack including fill information.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// OpenOrder is a resting order reported by the venue.
type OpenOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
}
