package check

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"geo_torii/internal/action"
	"geo_torii/internal/dataType"
	"geo_torii/internal/keystore"
)

const (
	ReasonAPIKeyRequired   = "Api key is required. Please provide an API key"
	ReasonACLParseError    = "An error occurred while parsing acl"
	ReasonOriginNotAllowed = "The origin address is not allowed to use this api. Please refrain from using this"
)

// EvaluateAccess decides whether the caller may use the api. store is the only
// thing it reads; a nil store means the ACL feature is not provisioned.
// The order of the steps decides which reason a caller gets to see.
func EvaluateAccess(ctx context.Context, in dataType.EvaluationInput, store keystore.Store) (res action.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = action.DenySilentCause(fmt.Errorf("acl check panic: %v", r))
		}
	}()

	if in.OriginAddress == "" {
		return action.DenySilent()
	}
	if store == nil {
		return action.DenySilent()
	}

	if !in.APIKeyPresent {
		return action.Deny(ReasonAPIKeyRequired)
	}
	apiKey := trimKey(in.APIKey)
	if apiKey == "" {
		return action.Deny(ReasonAPIKeyRequired)
	}

	entry, err := store.Lookup(ctx, apiKey)
	if err != nil {
		return action.DenySilentCause(fmt.Errorf("acl lookup: %w", err))
	}
	if entry == nil {
		return action.DenySilent()
	}
	if entry.AllowedAddresses == nil || *entry.AllowedAddresses == "" {
		return action.DenySilent()
	}

	allowed, err := parseAllowedAddresses(*entry.AllowedAddresses)
	if err != nil {
		return action.DenyCause(ReasonACLParseError, err)
	}
	if len(allowed) == 0 {
		return action.Allow()
	}
	if !slices.Contains(allowed, in.OriginAddress) {
		return action.Deny(ReasonOriginNotAllowed)
	}
	return action.Allow()
}

// parseAllowedAddresses accepts only a JSON array of strings. JSON null is
// rejected so it cannot turn into an allow-all list.
func parseAllowedAddresses(raw string) ([]string, error) {
	var allowed []string
	if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
		return nil, fmt.Errorf("parse allowed_addresses: %w", err)
	}
	if allowed == nil {
		return nil, fmt.Errorf("parse allowed_addresses: not an array")
	}
	return allowed, nil
}

func trimKey(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	})
}
