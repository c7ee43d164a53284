package types

import "time"

// TokenReadResult is the outcome of one harvest. Exactly one of Token
// (on success) or Error (on failure) is populated.
type TokenReadResult struct {
	Success   bool          `json:"success"`
	Token     string        `json:"token,omitempty"`
	IsLogged  bool          `json:"is_logged"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	HarvestID string        `json:"harvest_id,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Succeeded builds a token-bearing result.
func Succeeded(token string, isLogged bool) TokenReadResult {
	return TokenReadResult{Success: true, Token: token, IsLogged: isLogged}
}

// Failed builds an error-bearing result from err.
func Failed(err error) TokenReadResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return TokenReadResult{Success: false, Error: msg, ErrorCode: CodeOf(err)}
}

// Redacted returns a copy without the token, for logs and listings.
func (r TokenReadResult) Redacted() TokenReadResult {
	if r.Token != "" {
		r.Token = MaskToken(r.Token)
	}
	return r
}

// MaskToken keeps the first and last four characters of long tokens.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
