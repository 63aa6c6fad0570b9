package types

type LoginRequest struct {
	PrivyAccessToken  string `json:"privy_access_token" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=256"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// Identity is what the identity provider vouches for.
type Identity struct {
	ExternalID     string   `json:"external_id"`
	ExternalWallet string   `json:"external_wallet,omitempty"`
	EmbeddedWallet string   `json:"embedded_wallet,omitempty"`
	LinkedWallets  []string `json:"linked_wallets"`
}
