package evm

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Disabled is the gateway used when no RPC endpoint is configured. Every
// call fails with domain.ErrChainUnavailable, so bets carrying a tx hash are
// rejected and deployments are reported as failed.
type Disabled struct{}

func (Disabled) VerifyTransaction(context.Context, string, string, domain.Amount, string) (bool, error) {
	return false, fmt.Errorf("evm: verify: %w", domain.ErrChainUnavailable)
}

func (Disabled) DeployContract(context.Context, int64, int, int) (domain.Deployment, error) {
	return domain.Deployment{}, fmt.Errorf("evm: deploy: %w", domain.ErrChainUnavailable)
}

func (Disabled) FetchMarketState(context.Context, string) (domain.ChainMarketState, error) {
	return domain.ChainMarketState{}, fmt.Errorf("evm: fetch: %w", domain.ErrChainUnavailable)
}

var _ domain.ChainGateway = Disabled{}
