package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const tokenABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

const bridgeABIJSON = `[
	{"type":"function","name":"ugxPerUSD","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"adminMintUGDX","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burnForWithdrawal","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const forwarderABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"from","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"target","type":"address"},
		{"name":"data","type":"bytes"},
		{"name":"signer","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[]}
]`

var (
	TokenABI     = mustParseABI(tokenABIJSON)
	BridgeABI    = mustParseABI(bridgeABIJSON)
	ForwarderABI = mustParseABI(forwarderABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// transferTopic is the Transfer(address,address,uint256) event signature.
var transferTopic = TokenABI.Events["Transfer"].ID

// DecodeTransfers picks the Transfer logs emitted by token out of logs.
func DecodeTransfers(token common.Address, logs []*types.Log) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		out = append(out, Transfer{
			From:   common.BytesToAddress(l.Topics[1].Bytes()),
			To:     common.BytesToAddress(l.Topics[2].Bytes()),
			Amount: FromUnits(new(big.Int).SetBytes(l.Data)),
		})
	}
	return out
}

// BurnCallData encodes burnForWithdrawal(amount) for the forwarder.
func BurnCallData(amount decimal.Decimal) ([]byte, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("burn amount must be positive")
	}
	return BridgeABI.Pack("burnForWithdrawal", ToUnits(amount))
}
