package domain

import "context"

// Deployment describes a freshly deployed escrow contract.
type Deployment struct {
	Address string
	TxHash  string
}

// ChainMarketState is the escrow contract's view of a market.
type ChainMarketState struct {
	PoolYes   Amount
	PoolNo    Amount
	Outcome   Outcome // OutcomeNone while the market is open on chain
	FeeInBps  int
	FeeOutBps int
}

// ChainGateway is the boundary to the settlement chain.
type ChainGateway interface {
	// VerifyTransaction reports whether txHash paid expectedAmount to
	// contract, optionally from expectedSender. Any error must be treated
	// as a failed verification.
	VerifyTransaction(ctx context.Context, txHash, contract string, expectedAmount Amount, expectedSender string) (bool, error)
	DeployContract(ctx context.Context, marketID int64, feeInBps, feeOutBps int) (Deployment, error)
	FetchMarketState(ctx context.Context, contract string) (ChainMarketState, error)
}
