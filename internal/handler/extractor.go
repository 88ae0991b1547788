package handler

import (
	"strings"
)

// Default credential locations.
const (
	DefaultAPIKeyHeader    = "X-API-Key"
	DefaultTokenQueryParam = "token"
)

// SourceType is where a token was found.
type SourceType string

// Source types.
const (
	SourceTypeRaw    SourceType = "raw"
	SourceTypeHeader SourceType = "header"
	SourceTypeQuery  SourceType = "query"
)

// Source is one location a token may be read from.
type Source struct {
	Type SourceType
	Name string
}

// String returns the source as type:name.
func (s Source) String() string {
	if s.Name == "" {
		return string(s.Type)
	}
	return string(s.Type) + ":" + s.Name
}

// Extractor finds the bearer credential of a Request. Sources are tried in
// order and the first non-empty value wins.
type Extractor struct {
	sources []Source
}

// NewExtractor creates an Extractor reading the raw token field, then the
// Authorization header, then apiKeyHeader, then the queryParam query
// parameter. Empty names fall back to the defaults.
func NewExtractor(apiKeyHeader, queryParam string) *Extractor {
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	if queryParam == "" {
		queryParam = DefaultTokenQueryParam
	}
	return &Extractor{sources: []Source{
		{Type: SourceTypeRaw},
		{Type: SourceTypeHeader, Name: "Authorization"},
		{Type: SourceTypeHeader, Name: apiKeyHeader},
		{Type: SourceTypeQuery, Name: queryParam},
	}}
}

// Sources returns the sources in priority order.
func (e *Extractor) Sources() []Source {
	return append([]Source(nil), e.sources...)
}

// Extract returns the first credential found and where it came from.
func (e *Extractor) Extract(req *Request) (string, Source, bool) {
	for _, src := range e.sources {
		if v := strings.TrimSpace(extractFrom(req, src)); v != "" {
			return v, src, true
		}
	}
	return "", Source{}, false
}

func extractFrom(req *Request, src Source) string {
	switch src.Type {
	case SourceTypeRaw:
		return req.RawToken
	case SourceTypeHeader:
		v, _ := lookupFold(req.Headers, src.Name)
		return v
	case SourceTypeQuery:
		return req.QueryParams[src.Name]
	default:
		return ""
	}
}

// lookupFold finds a map entry by case-insensitive key.
func lookupFold(m map[string]string, name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
