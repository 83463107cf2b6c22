package model

// OrderStatus is the terminal state of one order request.
type OrderStatus string

const (
	OrderFulfilled       OrderStatus = "fulfilled"
	OrderRejected        OrderStatus = "rejected"
	OrderFailed          OrderStatus = "failed"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
)

// OrderOutcome is what the orchestrator returns to the caller. RedirectURL
// is set only for priced products, which complete through the payment
// provider's checkout.
type OrderOutcome struct {
	Status      OrderStatus  `json:"status"`
	Message     string       `json:"message,omitempty"`
	RedirectURL string       `json:"redirect_url,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// PaymentNotification is the payment provider's completion callback payload.
// Custom carries the data we attached at checkout: "externalID|productID".
type PaymentNotification struct {
	InvoiceID string
	Amount    float64
	Currency  string
	Custom    string
}
