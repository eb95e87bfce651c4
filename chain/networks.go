package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Network describes an EVM chain and the stablecoin contract settled on it
type Network struct {
	Name     string
	Aliases  []string
	ChainID  *big.Int
	Token    common.Address
	Decimals int32
}

// USDCPolygon is native USDC on Polygon PoS mainnet
func USDCPolygon() Network {
	return Network{
		Name:     "polygon",
		Aliases:  []string{"matic", "polygon-mainnet"},
		ChainID:  big.NewInt(137),
		Token:    common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
		Decimals: 6,
	}
}

// USDCPolygonAmoy is USDC on the Polygon Amoy testnet
func USDCPolygonAmoy() Network {
	return Network{
		Name:     "polygon-amoy",
		ChainID:  big.NewInt(80002),
		Token:    common.HexToAddress("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"),
		Decimals: 6,
	}
}

// NetworkByName returns a built-in network by name or alias
func NetworkByName(name string) (Network, bool) {
	for _, n := range []Network{USDCPolygon(), USDCPolygonAmoy()} {
		if n.Matches(name) {
			return n, true
		}
	}
	return Network{}, false
}

// Matches reports whether name is the network's name or one of its aliases
func (n Network) Matches(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, n.Name) {
		return true
	}
	for _, a := range n.Aliases {
		if strings.EqualFold(name, a) {
			return true
		}
	}
	return false
}

// WithToken overrides the token contract
func (n Network) WithToken(address string) Network {
	n.Token = common.HexToAddress(address)
	return n
}

// WithChainID overrides the chain id
func (n Network) WithChainID(id int64) Network {
	n.ChainID = big.NewInt(id)
	return n
}
