package server

// Client records a client-credentials client.
type Client struct {
	ClientID   string
	SecretHash []byte
	Scopes     []string
	Audiences  []string
}

// TokenResponse is the /token success body.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in"`
	Scope         string `json:"scope,omitempty"`
	AntiCSRFToken string `json:"anti_csrf_token,omitempty"`
}

// AuthorizationServerMetadata is served at the OAuth discovery path.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	JWKSURI                           string   `json:"jwks_uri"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SigningAlgValuesSupported         []string `json:"token_endpoint_auth_signing_alg_values_supported"`
}

// WhoAmI describes the caller of a protected endpoint.
type WhoAmI struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub,omitempty"`
	Audiences []string `json:"aud"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"exp"`
	Via       string   `json:"via"`
}
