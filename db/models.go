package db

import (
	"time"

	"gorm.io/datatypes"
)

// Robot is a pseudonymous trade participant. The encrypted private key
// belongs to the identity holder; the engine stores but never reads it.
type Robot struct {
	ID                  uint
	Pubkey              string `validate:"required" gorm:"unique;not null"`
	EncryptedPrivateKey string
	UseStealthAddress   bool
	Disabled            bool

	WebhookUrl     string
	WebhookEnabled bool
	WebhookApiKey  string
	// per-attempt timeout in seconds and maximum retry count for deliveries
	WebhookTimeout uint32
	WebhookRetries uint32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is the trade contract. It is owned by the orders service and only
// mutated through state transitions; terminal orders are kept, not deleted.
type Order struct {
	ID        uint
	Reference string `validate:"required" gorm:"unique;not null"` // opaque UUID, immutable
	State     string
	MakerId   uint
	Maker     *Robot
	TakerId   *uint
	Taker     *Robot

	PaymentMethod string
	AmountMsat    uint64
	BondMsat      uint64

	// seconds the trade escrow is held before forced resolution
	EscrowDuration           uint32
	ContractFinalizationTime *time.Time
	LastSatoshisTime         *time.Time

	BondlessTaker    bool
	RevertedFiatSent bool

	// payout details submitted by the buyer
	PayoutInvoice     string
	PayoutAddress     string
	RoutingBudgetPpm  uint32
	RoutingBudgetMsat uint64

	DisputeReason string
	Metadata      datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LnPayment is a single Lightning payment attempt tied to an order. An order
// accumulates records over retries but has at most one non-terminal record
// per direction.
type LnPayment struct {
	ID      uint
	OrderId uint
	Order   *Order
	RobotId uint
	Robot   *Robot

	Direction string
	State     string

	AmountMsat     uint64
	FeeMsat        uint64
	FeeReserveMsat uint64
	PaymentRequest string
	PaymentHash    string
	Preimage       *string
	Description    string

	RoutingBudgetPpm  uint32
	RoutingBudgetMsat uint64
	FailureReason     string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
	SettledAt *time.Time
}

// OnchainPayment is an optional on-chain swap-out, one per order. Once
// broadcast only the Broadcasted flag may change.
type OnchainPayment struct {
	ID      uint
	OrderId uint `gorm:"unique;not null"`
	Order   *Order

	Address   string
	AmountSat uint64

	SwapFeeRate            float64 // service fee, percent, 2-decimal
	MiningFeeRate          float64 // sat/vB, 3-decimal
	SuggestedMiningFeeRate float64

	Broadcasted bool
	TxId        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EscrowEntry is a collateral hold. At most one non-terminal entry exists
// per (order, robot); forfeiture credits the beneficiary.
type EscrowEntry struct {
	ID      uint
	OrderId uint
	Order   *Order
	RobotId uint
	Robot   *Robot

	Type       string
	State      string
	AmountMsat uint64

	BeneficiaryId *uint

	CreatedAt time.Time
	UpdatedAt time.Time
}
