package classifier

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// DefaultClassificationHeader carries the MNPI classification hint.
const DefaultClassificationHeader = "X-MNPI-Classification"

// minOpaqueIDLength is the length a non-numeric segment must exceed to be
// taken as a resource id.
const minOpaqueIDLength = 8

// Config configures a Classifier. The attribute headers are trusted as-is,
// so set them only when a trusted proxy owns them.
type Config struct {
	ClassificationHeader string
	OwnerHeader          string
	DepartmentHeader     string
	// TagPrefix turns every header with this prefix into a resource tag.
	TagPrefix string
}

// Classifier derives the targeted resource and the permission a request
// requires from its method, path and headers. It holds no mutable state.
type Classifier struct {
	cfg     Config
	logger  observability.Logger
	metrics *Metrics
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the classifier logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// WithMetrics sets the classifier metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// New creates a Classifier.
func New(cfg Config, opts ...Option) *Classifier {
	if cfg.ClassificationHeader == "" {
		cfg.ClassificationHeader = DefaultClassificationHeader
	}
	c := &Classifier{cfg: cfg, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the resource a request targets and the permission it
// needs.
func (c *Classifier) Classify(method, path string, headers map[string]string) (*authz.ResourceContext, authz.Permission) {
	path, _, _ = strings.Cut(path, "?")
	rt := ResourceTypeOf(path)

	res := &authz.ResourceContext{
		Type:           rt,
		ID:             ResourceID(path),
		Classification: c.classification(headers),
	}
	if c.cfg.OwnerHeader != "" {
		res.OwnerID, _ = lookup(headers, c.cfg.OwnerHeader)
	}
	if c.cfg.DepartmentHeader != "" {
		res.Department, _ = lookup(headers, c.cfg.DepartmentHeader)
	}
	if c.cfg.TagPrefix != "" {
		res.Tags = tags(headers, c.cfg.TagPrefix)
	}

	perm := RequiredPermission(rt, method)
	c.metrics.recordClassification(rt)
	return res, perm
}

func (c *Classifier) classification(headers map[string]string) authz.Classification {
	raw, ok := lookup(headers, c.cfg.ClassificationHeader)
	if !ok || strings.TrimSpace(raw) == "" {
		return authz.ClassificationUnset
	}
	if cl, ok := authz.ParseClassification(raw); ok {
		return cl
	}
	c.metrics.recordUnrecognized()
	c.logger.Warn("unrecognized classification hint, treating as internal",
		observability.String("header", c.cfg.ClassificationHeader),
		observability.String("value", raw),
	)
	return authz.ClassificationInternal
}

// ResourceTypeOf matches the lower-cased path against the known resource
// collections, first match wins.
func ResourceTypeOf(path string) authz.ResourceType {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "deals"):
		return authz.ResourceDeal
	case strings.Contains(p, "documents"):
		return authz.ResourceDocument
	case strings.Contains(p, "analysis"), strings.Contains(p, "analyze"):
		return authz.ResourceAnalysis
	case strings.Contains(p, "reports"):
		return authz.ResourceReport
	case strings.Contains(p, "users"), strings.Contains(p, "admin"):
		return authz.ResourceUser
	default:
		return authz.ResourceAPI
	}
}

// ResourceID returns the first path segment that is all digits, or longer
// than eight characters of ASCII letters, digits, '-' and '_'. This is a
// heuristic: collection names such as "documents" qualify too.
func ResourceID(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if isDigits(seg) || (len(seg) > minOpaqueIDLength && isIDChars(seg)) {
			return seg
		}
	}
	return ""
}

// RequiredPermission maps a resource type and HTTP method to the permission
// the caller must hold. Unknown methods are treated as writes.
func RequiredPermission(rt authz.ResourceType, method string) authz.Permission {
	op := operationOf(method)
	switch rt {
	case authz.ResourceDeal:
		return pick(op, authz.ReadDeals, authz.WriteDeals, authz.WriteDeals, authz.DeleteDeals)
	case authz.ResourceDocument:
		return pick(op, authz.ViewDocuments, authz.UploadDocuments, authz.UploadDocuments, authz.DeleteDocuments)
	case authz.ResourceAnalysis:
		return pick(op, authz.ViewAnalysis, authz.RunAnalysis, authz.RunAnalysis, authz.RunAnalysis)
	case authz.ResourceReport:
		return pick(op, authz.ViewReports, authz.GenerateReports, authz.GenerateReports, authz.GenerateReports)
	case authz.ResourceUser:
		return authz.ManageUsers
	default:
		return authz.ReadDeals
	}
}

type operation uint8

const (
	opRead operation = iota
	opCreate
	opUpdate
	opDelete
)

func operationOf(method string) operation {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return opRead
	case http.MethodPost:
		return opCreate
	case http.MethodDelete:
		return opDelete
	default:
		return opUpdate
	}
}

func pick(op operation, read, create, update, del authz.Permission) authz.Permission {
	switch op {
	case opRead:
		return read
	case opCreate:
		return create
	case opDelete:
		return del
	default:
		return update
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func isIDChars(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_':
		default:
			return false
		}
	}
	return true
}

// lookup finds a header case-insensitively.
func lookup(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func tags(headers map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	lp := strings.ToLower(prefix)
	for k, v := range headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, lp) && len(lk) > len(lp) {
			out[lk[len(lp):]] = v
		}
	}
	return out
}

// Metrics holds classifier metrics.
type Metrics struct {
	classified   *prometheus.CounterVec
	unrecognized prometheus.Counter
}

// NewMetrics creates classifier metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		classified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "classifier",
				Name:      "requests_total",
				Help:      "Classified requests by resource type",
			},
			[]string{"resource_type"},
		),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "unrecognized_classification_total",
			Help:      "Classification hints that named no known tier",
		}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.classified, m.unrecognized}
}

func (m *Metrics) recordClassification(rt authz.ResourceType) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(rt.String()).Inc()
}

func (m *Metrics) recordUnrecognized() {
	if m == nil {
		return
	}
	m.unrecognized.Inc()
}
