package jwt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Claims is a validated claim set. Registered claims are decoded into
// fields; everything else is kept in Extra.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  Audience
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string

	Extra map[string]interface{}
}

// Audience is the aud claim, which may be a string or a list.
type Audience []string

// Contains reports whether aud is in the audience.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ParseClaims decodes a JSON claim set.
func ParseClaims(payload []byte) (*Claims, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("claims are not a JSON object")
	}
	return ClaimsFromMap(raw), nil
}

// ClaimsFromMap builds Claims from a decoded claim map.
func ClaimsFromMap(data map[string]interface{}) *Claims {
	c := &Claims{Extra: make(map[string]interface{})}
	for key, value := range data {
		switch key {
		case "iss":
			c.Issuer, _ = value.(string)
		case "sub":
			c.Subject, _ = value.(string)
		case "aud":
			c.Audience = Audience(stringList(value))
		case "exp":
			c.ExpiresAt = parseNumericDate(value)
		case "nbf":
			c.NotBefore = parseNumericDate(value)
		case "iat":
			c.IssuedAt = parseNumericDate(value)
		case "jti":
			c.JWTID, _ = value.(string)
		default:
			c.Extra[key] = value
		}
	}
	return c
}

// StringClaim returns a string claim, or "" when it is absent or not a string.
func (c *Claims) StringClaim(name string) string {
	switch name {
	case "iss":
		return c.Issuer
	case "sub":
		return c.Subject
	case "jti":
		return c.JWTID
	}
	s, _ := c.Extra[name].(string)
	return s
}

// StringListClaim returns a list claim. A scalar string is returned as a
// one-element list. Non-string members are dropped.
func (c *Claims) StringListClaim(name string) []string {
	if name == "aud" {
		return c.Audience
	}
	return stringList(c.Extra[name])
}

// ToMap returns the claim set as a map with registered times in seconds.
func (c *Claims) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Extra)+7)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Issuer != "" {
		out["iss"] = c.Issuer
	}
	if c.Subject != "" {
		out["sub"] = c.Subject
	}
	switch len(c.Audience) {
	case 0:
	case 1:
		out["aud"] = c.Audience[0]
	default:
		out["aud"] = []string(c.Audience)
	}
	if !c.ExpiresAt.IsZero() {
		out["exp"] = c.ExpiresAt.Unix()
	}
	if !c.NotBefore.IsZero() {
		out["nbf"] = c.NotBefore.Unix()
	}
	if !c.IssuedAt.IsZero() {
		out["iat"] = c.IssuedAt.Unix()
	}
	if c.JWTID != "" {
		out["jti"] = c.JWTID
	}
	return out
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func parseNumericDate(value interface{}) time.Time {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case int:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	}
	return time.Time{}
}
