package model

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Listing mirrors an on-chain energy listing.
type Listing struct {
	ID              uint64          `json:"id"`
	Seller          common.Address  `json:"seller"`
	Amount          decimal.Decimal `json:"amount"`
	PricePerUnit    decimal.Decimal `json:"pricePerUnit"`
	MinimumPurchase decimal.Decimal `json:"minimumPurchase"`
	ExpirationTime  time.Time       `json:"expirationTime"`
	CreationTime    time.Time       `json:"creationTime"`
	Active          bool            `json:"active"`
	EnergySource    string          `json:"energySource"`
}

// Expired reports whether the listing is past its expiration. The contract
// enforces expiry; this is for display only.
func (l Listing) Expired(now time.Time) bool {
	return !l.ExpirationTime.IsZero() && now.After(l.ExpirationTime)
}

// TotalCost 返回购买 amount 单位所需的代币数量。
func (l Listing) TotalCost(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(l.PricePerUnit)
}

// UserProfile is the per-address verification, reputation and certification record.
type UserProfile struct {
	Address                common.Address  `json:"address"`
	IsVerified             bool            `json:"isVerified"`
	TotalEnergyTraded      decimal.Decimal `json:"totalEnergyTraded"`
	ReputationScore        decimal.Decimal `json:"reputationScore"`
	LastActivityTime       time.Time       `json:"lastActivityTime"`
	CertificationIPFSHash  string          `json:"certificationIPFSHash"`
	CertificationTimestamp time.Time       `json:"certificationTimestamp"`
	CertificationType      string          `json:"certificationType"`
	CertificationValid     bool            `json:"certificationValid"`
}

// TransactionType tags a history record.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionSale     TransactionType = "sale"
)

// TransactionRecord is one historical event joined with its listing.
type TransactionRecord struct {
	Type         TransactionType `json:"type"`
	ListingID    uint64          `json:"listingId"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	EnergySource string          `json:"energySource"`
}

// ListedEvent is a decoded EnergyListed log.
type ListedEvent struct {
	ListingID    uint64
	Seller       common.Address
	Amount       decimal.Decimal
	PricePerUnit decimal.Decimal
	BlockNumber  uint64
	LogIndex     uint
	Timestamp    time.Time
}

// PurchasedEvent is a decoded EnergyPurchased log.
type PurchasedEvent struct {
	ListingID   uint64
	Buyer       common.Address
	Amount      decimal.Decimal
	TotalPrice  decimal.Decimal
	BlockNumber uint64
	LogIndex    uint
	Timestamp   time.Time
}

// PlatformState gathers the admin-facing contract fields.
type PlatformState struct {
	PlatformFee   decimal.Decimal `json:"platformFee"`
	FeeCollector  common.Address  `json:"feeCollector"`
	Paused        bool            `json:"paused"`
	TotalSupply   decimal.Decimal `json:"totalSupply"`
	NextListingID uint64          `json:"nextListingId"`
}

// CompareAddress orders addresses by their lowercase hex form.
func CompareAddress(a, b common.Address) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}
