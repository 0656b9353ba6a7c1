package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Read methods.
const (
	MethodNextListingID  = "nextListingId"
	MethodEnergyListings = "energyListings"
	MethodGetUserProfile = "getUserProfile"
	MethodPlatformFee    = "platformFee"
	MethodFeeCollector   = "feeCollector"
	MethodPaused         = "paused"
	MethodTotalSupply    = "totalSupply"
	MethodBalanceOf      = "balanceOf"
	MethodAllowance      = "allowance"
)

// Events consumed by the history aggregator.
const (
	EventEnergyListed    = "EnergyListed"
	EventEnergyPurchased = "EnergyPurchased"
)

const listingOutputs = `[
	{"internalType":"address","name":"seller","type":"address"},
	{"internalType":"uint256","name":"amount","type":"uint256"},
	{"internalType":"uint256","name":"pricePerUnit","type":"uint256"},
	{"internalType":"uint256","name":"minimumPurchase","type":"uint256"},
	{"internalType":"uint256","name":"expirationTime","type":"uint256"},
	{"internalType":"uint256","name":"creationTime","type":"uint256"},
	{"internalType":"bool","name":"active","type":"bool"},
	{"internalType":"string","name":"energySource","type":"string"}
]`

// enerXchangeABIJSON covers the subset of the EnerXchange token the read model touches.
var enerXchangeABIJSON = `[
{"inputs":[],"name":"nextListingId","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"energyListings","outputs":` + listingOutputs + `,"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"listingId","type":"uint256"}],"name":"getListingDetails","outputs":` + listingOutputs + `,"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"getUserProfile","outputs":[
	{"internalType":"bool","name":"isVerified","type":"bool"},
	{"internalType":"uint256","name":"totalEnergyTraded","type":"uint256"},
	{"internalType":"uint256","name":"reputationScore","type":"uint256"},
	{"internalType":"uint256","name":"lastActivityTime","type":"uint256"},
	{"internalType":"string","name":"certificationIPFSHash","type":"string"},
	{"internalType":"uint256","name":"certificationTimestamp","type":"uint256"},
	{"internalType":"string","name":"certificationType","type":"string"},
	{"internalType":"bool","name":"certificationValid","type":"bool"}
],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"platformFee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"feeCollector","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"paused","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},

{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"pricePerUnit","type":"uint256"},{"internalType":"uint256","name":"duration","type":"uint256"},{"internalType":"uint256","name":"minimumPurchase","type":"uint256"}],"name":"listEnergy","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"listingId","type":"uint256"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"purchaseEnergy","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"listingId","type":"uint256"}],"name":"cancelListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"verifyUser","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"invalidateCertification","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"mintEnergy","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address[]","name":"recipients","type":"address[]"},{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"name":"adminMint","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"newOwner","type":"address"}],"name":"transferOwnership","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"pause","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"unpause","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"newFee","type":"uint256"}],"name":"setPlatformFee","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"meter","type":"address"}],"name":"authorizeSmartMeter","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"},{"internalType":"string","name":"ipfsHash","type":"string"},{"internalType":"string","name":"certType","type":"string"}],"name":"updateUserCertification","outputs":[],"stateMutability":"nonpayable","type":"function"},

{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint256","name":"listingId","type":"uint256"},
	{"indexed":true,"internalType":"address","name":"seller","type":"address"},
	{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"pricePerUnit","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"expirationTime","type":"uint256"}
],"name":"EnergyListed","type":"event"},
{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"uint256","name":"listingId","type":"uint256"},
	{"indexed":true,"internalType":"address","name":"buyer","type":"address"},
	{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"totalPrice","type":"uint256"}
],"name":"EnergyPurchased","type":"event"}
]`

var enerXchangeABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(enerXchangeABIJSON))
	if err != nil {
		panic("failed to parse EnerXchange ABI: " + err.Error())
	}
	enerXchangeABI = parsed
}

// ABI exposes the parsed contract ABI.
func ABI() abi.ABI {
	return enerXchangeABI
}
