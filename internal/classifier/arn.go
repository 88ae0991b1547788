package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidARN is returned for strings that are not API gateway method ARNs.
var ErrInvalidARN = errors.New("invalid method ARN")

// MethodARN is a parsed API gateway method ARN of the form
// arn:aws:execute-api:region:account:api-id/stage/METHOD/resource/path.
type MethodARN struct {
	Region    string
	AccountID string
	APIID     string
	Stage     string
	Method    string
	// Path always starts with '/'.
	Path string
}

// ParseMethodARN splits a method ARN into its parts.
func ParseMethodARN(arn string) (*MethodARN, error) {
	fields := strings.SplitN(arn, ":", 6)
	if len(fields) != 6 || fields[0] != "arn" || fields[2] != "execute-api" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidARN, arn)
	}

	parts := strings.Split(fields[5], "/")
	if len(parts) < 3 || parts[0] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: %q has no stage and method", ErrInvalidARN, arn)
	}

	return &MethodARN{
		Region:    fields[3],
		AccountID: fields[4],
		APIID:     parts[0],
		Stage:     parts[1],
		Method:    strings.ToUpper(parts[2]),
		Path:      "/" + strings.Join(parts[3:], "/"),
	}, nil
}
