package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// escrowABI covers the parts of the MarketEscrow contract the gateway uses.
const escrowABIJSON = `[
	{
		"type": "constructor",
		"inputs": [
			{"name": "marketId", "type": "uint256"},
			{"name": "feeInBps", "type": "uint16"},
			{"name": "feeOutBps", "type": "uint16"}
		]
	},
	{
		"name": "getMarketData",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "totalYes", "type": "uint256"},
			{"name": "totalNo", "type": "uint256"},
			{"name": "resolvedOutcome", "type": "uint8"},
			{"name": "feeInBps", "type": "uint16"},
			{"name": "feeOutBps", "type": "uint16"}
		]
	}
]`

var escrowABI abi.ABI

func init() {
	var err error
	escrowABI, err = abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		panic("evm: escrow abi parse: " + err.Error())
	}
}

// marketData mirrors the getMarketData return tuple.
type marketData struct {
	TotalYes        *big.Int
	TotalNo         *big.Int
	ResolvedOutcome uint8
	FeeInBps        uint16
	FeeOutBps       uint16
}

func decodeMarketData(out []byte) (marketData, error) {
	var md marketData
	if err := escrowABI.UnpackIntoInterface(&md, "getMarketData", out); err != nil {
		return marketData{}, fmt.Errorf("evm: decode getMarketData: %w", err)
	}
	return md, nil
}

// contractOutcome maps the escrow's outcome code: 0 open, 1 yes, 2 no.
func contractOutcome(code uint8) (domain.Outcome, error) {
	switch code {
	case 0:
		return domain.OutcomeNone, nil
	case 1:
		return domain.OutcomeYes, nil
	case 2:
		return domain.OutcomeNo, nil
	}
	return "", fmt.Errorf("evm: unknown outcome code %d", code)
}
