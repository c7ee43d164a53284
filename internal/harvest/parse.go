package harvest

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// ParseSession extracts the token and login flag from a session entry.
// The login flag is true only for a JSON boolean true.
func ParseSession(payload string) (token string, isLogged bool, err error) {
	var raw any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return "", false, types.NewError(types.CodeParse, "session data is not valid JSON", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return "", false, noToken(payload)
	}
	token, ok = obj["token"].(string)
	if !ok || token == "" {
		return "", false, noToken(payload)
	}
	isLogged, _ = obj["signedIn"].(bool)
	return token, isLogged, nil
}

func noToken(payload string) error {
	return types.NewError(types.CodeTokenNotFound, fmt.Sprintf("no token found in '%s'", payload), nil)
}
