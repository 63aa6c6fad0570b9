package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/datarand/datarand-backend/pkg/types"
)

// DevVerifier is used in dev mode when no Privy key is configured. It
// accepts tokens of the form "dev:<external id>[:<wallet address>]".
type DevVerifier struct{}

func (DevVerifier) Verify(_ context.Context, accessToken string) (*types.Identity, error) {
	parts := strings.Split(trimBearer(accessToken), ":")
	if len(parts) < 2 || parts[0] != "dev" || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected dev:<id>[:<wallet>]", ErrInvalidToken)
	}
	id := &types.Identity{ExternalID: "did:dev:" + parts[1], LinkedWallets: make([]string, 0)}
	if len(parts) > 2 && parts[2] != "" {
		id.ExternalWallet = parts[2]
		id.LinkedWallets = append(id.LinkedWallets, parts[2])
	}
	return id, nil
}
