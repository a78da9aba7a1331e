package types

import "encoding/json"

// TokenRequest is the body for POST /api/v2/access/tokens. The API secret
// never rides in the body; it travels in the X-LW-UAKS header.
type TokenRequest struct {
	KeyID      string `json:"keyId"`
	ExpiryTime int    `json:"expiryTime"`
}

// TokenResponse covers both shapes the token endpoint is known to return:
// {"data": {"token": "..."}} and a top-level {"token": "..."}.
type TokenResponse struct {
	Data struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	} `json:"data"`
	TopLevelToken string `json:"token"`
}

// Token returns the bearer token, probing the nested field first and
// falling back to the top-level one. Empty string means neither was present.
func (r *TokenResponse) Token() string {
	if r.Data.Token != "" {
		return r.Data.Token
	}
	return r.TopLevelToken
}

// ParseTokenResponse decodes a token endpoint body.
func ParseTokenResponse(body []byte) (*TokenResponse, error) {
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
