package uniswap

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Minimal ERC-20 surface: balance and allowance reads plus approve.
const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Uniswap v3 SwapRouter exactInputSingle.
const routerABIJSON = `[
	{"inputs":[{"components":[
		{"internalType":"address","name":"tokenIn","type":"address"},
		{"internalType":"address","name":"tokenOut","type":"address"},
		{"internalType":"uint24","name":"fee","type":"uint24"},
		{"internalType":"address","name":"recipient","type":"address"},
		{"internalType":"uint256","name":"deadline","type":"uint256"},
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},
		{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}
	],"internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],
	"name":"exactInputSingle",
	"outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],
	"stateMutability":"payable","type":"function"}
]`

var (
	erc20ABI  = mustParseABI(erc20ABIJSON)
	routerABI = mustParseABI(routerABIJSON)

	// keccak256("Transfer(address,address,uint256)")
	transferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic("uniswap: parse abi: " + err.Error())
	}
	return parsed
}

// swapParams mirrors ISwapRouter.ExactInputSingleParams for ABI packing.
// uint24 and uint160 fields map to *big.Int under go-ethereum's abi binding.
type swapParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}
