package constants

// shared constants used by multiple packages

const (
	ORDER_STATE_CREATED       = "CREATED"
	ORDER_STATE_TAKEN         = "TAKEN"
	ORDER_STATE_ESCROW_FUNDED = "ESCROW_FUNDED"
	ORDER_STATE_CHAT_OPEN     = "CHAT_OPEN"
	ORDER_STATE_FIAT_SENT     = "FIAT_SENT"
	ORDER_STATE_CONFIRMED     = "CONFIRMED"
	ORDER_STATE_DISPUTED      = "DISPUTED"
	ORDER_STATE_PAID_OUT      = "PAID_OUT"
	ORDER_STATE_CANCELLED     = "CANCELLED"
	ORDER_STATE_FINALIZED     = "FINALIZED"
)

// Cancelled and Finalized orders are never transitioned again.
func IsTerminalOrderState(state string) bool {
	return state == ORDER_STATE_CANCELLED || state == ORDER_STATE_FINALIZED
}

const (
	PAYMENT_DIRECTION_INCOMING = "incoming"
	PAYMENT_DIRECTION_OUTGOING = "outgoing"

	PAYMENT_STATE_PENDING = "PENDING"
	PAYMENT_STATE_SETTLED = "SETTLED"
	PAYMENT_STATE_FAILED  = "FAILED"
)

const (
	ESCROW_TYPE_BOND  = "bond"
	ESCROW_TYPE_TRADE = "trade"

	ESCROW_STATE_HELD      = "HELD"
	ESCROW_STATE_RELEASED  = "RELEASED"
	ESCROW_STATE_FORFEITED = "FORFEITED"
)

// escrow_duration bounds in seconds
const (
	MIN_ESCROW_DURATION = 1800
	MAX_ESCROW_DURATION = 36000
)

// routing budget bounds
const (
	MAX_ROUTING_BUDGET_PPM = 100_000
)

// on-chain mining fee rate bounds in sat/vB
const (
	MIN_MINING_FEE_RATE = 1
	MAX_MINING_FEE_RATE = 999
)

const (
	PAYMENT_METHOD_LIGHTNING = "lightning"
	PAYMENT_METHOD_ONCHAIN   = "onchain"
)

func GetPaymentMethods() []string {
	return []string{
		PAYMENT_METHOD_LIGHTNING,
		PAYMENT_METHOD_ONCHAIN,
	}
}

// internal event names consumed by the webhook dispatcher
const (
	TRADE_EVENT_ORDER_CREATED      = "trade_order_created"
	TRADE_EVENT_ORDER_TAKEN        = "trade_order_taken"
	TRADE_EVENT_ESCROW_FUNDED      = "trade_escrow_funded"
	TRADE_EVENT_CHAT_OPEN          = "trade_chat_open"
	TRADE_EVENT_FIAT_SENT          = "trade_fiat_sent"
	TRADE_EVENT_FIAT_SENT_REVERTED = "trade_fiat_sent_reverted"
	TRADE_EVENT_FIAT_CONFIRMED     = "trade_fiat_confirmed"
	TRADE_EVENT_ORDER_PAID_OUT     = "trade_order_paid_out"
	TRADE_EVENT_ORDER_DISPUTED     = "trade_order_disputed"
	TRADE_EVENT_ORDER_CANCELLED    = "trade_order_cancelled"
	TRADE_EVENT_ORDER_EXPIRED      = "trade_order_expired"
	TRADE_EVENT_ORDER_EXTENDED     = "trade_order_extended"
	TRADE_EVENT_ORDER_FINALIZED    = "trade_order_finalized"

	PAYMENT_EVENT_SETTLED = "trade_payment_settled"
	PAYMENT_EVENT_FAILED  = "trade_payment_failed"
)

// webhook delivery defaults, overridable per robot
const (
	DEFAULT_WEBHOOK_TIMEOUT = 10 // seconds per attempt
	DEFAULT_WEBHOOK_RETRIES = 5
	MAX_WEBHOOK_RETRIES     = 20
)
