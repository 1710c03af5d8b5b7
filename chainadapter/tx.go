package chainadapter

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// submitRawTransaction builds, signs and sends a transaction calling
// `to` with `data`, using opts the way bind.TransactOpts normally
// drives a generated contract binding's raw Transact.
func submitRawTransaction(ctx context.Context, client *ethclient.Client, opts *bind.TransactOpts, to common.Address, data []byte) (*types.Transaction, error) {
	nonce := opts.Nonce
	var nonceVal uint64
	if nonce == nil {
		n, err := client.PendingNonceAt(ctx, opts.From)
		if err != nil {
			return nil, err
		}
		nonceVal = n
	} else {
		nonceVal = nonce.Uint64()
	}

	gasPrice := opts.GasPrice
	if gasPrice == nil {
		gp, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		gasPrice = gp
	}

	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		est, err := client.EstimateGas(ctx, ethereumEstimateMsg(opts.From, to, data))
		if err != nil {
			return nil, err
		}
		gasLimit = est
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonceVal,
		To:       &to,
		Value:    opts.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// waitMined polls for a transaction's receipt until it is mined or ctx
// is done, matching the teacher's polling convention in
// tests/preconf/main.go rather than pulling in a subscription-based
// watcher for what is already a low-frequency submission path.
func waitMined(ctx context.Context, client *ethclient.Client, hash common.Hash, pollFreq time.Duration) (*types.Receipt, error) {
	if pollFreq <= 0 {
		pollFreq = time.Second
	}
	ticker := time.NewTicker(pollFreq)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
