package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthz/internal/audit"
	"github.com/vyrodovalexey/avauthz/internal/auth/jwt"
	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/classifier"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/policy"
)

var handlerTracer = otel.Tracer("avauthz/handler")

// Request is one authorization request as delivered by a gateway. Method and
// ResourcePath take precedence over the values encoded in MethodARN.
type Request struct {
	// RawToken is the token of a TOKEN-style authorizer event.
	RawToken     string            `json:"authorizationToken,omitempty"`
	Method       string            `json:"httpMethod,omitempty"`
	ResourcePath string            `json:"path,omitempty"`
	MethodARN    string            `json:"methodArn,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	QueryParams  map[string]string `json:"queryStringParameters,omitempty"`
	SourceIP     string            `json:"sourceIp,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
}

// Target returns the method and path the request is for.
func (r *Request) Target() (method, path string) {
	method, path = r.Method, r.ResourcePath
	if (method == "" || path == "") && r.MethodARN != "" {
		if arn, err := classifier.ParseMethodARN(r.MethodARN); err == nil {
			if method == "" {
				method = arn.Method
			}
			if path == "" {
				path = arn.Path
			}
		}
	}
	return method, path
}

// PolicyResource returns the resource a policy statement applies to.
func (r *Request) PolicyResource() string {
	if r.MethodARN != "" {
		return r.MethodARN
	}
	_, path := r.Target()
	return path
}

// Outcome is the terminal state of a request.
type Outcome string

// Outcomes.
const (
	OutcomeAllow      Outcome = "allow"
	OutcomeDeny       Outcome = "deny"
	OutcomeAuthFailed Outcome = "auth_failed"
	OutcomeError      Outcome = "error"
)

// TokenValidator verifies a raw token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*jwt.Claims, error)
}

// Decider makes access decisions.
type Decider interface {
	Check(ctx context.Context, req authz.CheckRequest) (*authz.Decision, error)
}

// Handler runs the authorization pipeline: extract the token, validate it,
// build the access context, classify the resource, decide, and render the
// policy document. Authentication failures are returned as errors matching
// jwt.ErrAuthentication and produce no document. Every other failure
// becomes a Deny document. A Handler is safe for concurrent use.
type Handler struct {
	extractor  *Extractor
	validator  TokenValidator
	mapper     *authz.ClaimsMapper
	classifier *classifier.Classifier
	decider    Decider
	builder    *policy.Builder
	auditor    audit.Logger
	logger     observability.Logger
	metrics    *Metrics
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithExtractor overrides the token extractor.
func WithExtractor(e *Extractor) Option {
	return func(h *Handler) { h.extractor = e }
}

// WithLogger sets the handler logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the handler metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAuditLogger sets where authentication failures are audited.
func WithAuditLogger(a audit.Logger) Option {
	return func(h *Handler) { h.auditor = a }
}

// WithClock overrides the request clock.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(
	validator TokenValidator,
	mapper *authz.ClaimsMapper,
	cls *classifier.Classifier,
	decider Decider,
	builder *policy.Builder,
	opts ...Option,
) (*Handler, error) {
	switch {
	case validator == nil:
		return nil, errors.New("token validator is required")
	case mapper == nil:
		return nil, errors.New("claims mapper is required")
	case cls == nil:
		return nil, errors.New("resource classifier is required")
	case decider == nil:
		return nil, errors.New("decision engine is required")
	case builder == nil:
		return nil, errors.New("policy builder is required")
	}

	h := &Handler{
		extractor:  NewExtractor("", ""),
		validator:  validator,
		mapper:     mapper,
		classifier: cls,
		decider:    decider,
		builder:    builder,
		auditor:    audit.NewNoopLogger(),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle authorizes req. It returns a policy document, or an error matching
// jwt.ErrAuthentication when the caller could not be authenticated.
func (h *Handler) Handle(ctx context.Context, req *Request) (doc *policy.Document, err error) {
	start := h.now()
	resource := req.PolicyResource()

	ctx, span := handlerTracer.Start(ctx, "handler.authorize",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("authz.resource", resource)),
	)
	defer span.End()

	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithContext(ctx).Error("authorization panicked",
				observability.String("resource", resource),
				observability.Any("panic", r),
			)
			span.SetStatus(codes.Error, "panic")
			doc, err, outcome = h.builder.Deny(resource, policy.InternalErrorReason), nil, OutcomeError
		}
		span.SetAttributes(attribute.String("authz.outcome", string(outcome)))
		h.metrics.recordRequest(outcome, h.now().Sub(start))
	}()

	doc, outcome, err = h.handle(ctx, req, resource)
	if err != nil {
		span.SetStatus(codes.Error, jwt.Reason(err))
	}
	return doc, err
}

func (h *Handler) handle(ctx context.Context, req *Request, resource string) (*policy.Document, Outcome, error) {
	log := h.logger.WithContext(ctx)

	token, src, ok := h.extractor.Extract(req)
	if !ok {
		return h.authFailed(ctx, req, jwt.NewAuthenticationError(jwt.ReasonMissingToken, nil))
	}
	h.metrics.recordSource(src)

	claims, err := h.validator.Validate(ctx, token)
	if err != nil {
		if jwt.IsAuthenticationError(err) {
			return h.authFailed(ctx, req, err)
		}
		log.Error("token validation failed unexpectedly", observability.Error(err))
		return h.builder.Deny(resource, policy.InternalErrorReason), OutcomeError, nil
	}

	ac, err := h.mapper.ToAccessContext(claims, authz.RequestMetadata{
		IPAddress: req.SourceIP,
		UserAgent: h.userAgent(req),
		Time:      h.now(),
	})
	if err != nil {
		return h.denied(ctx, resource, err), OutcomeDeny, nil
	}

	method, path := req.Target()
	rc, perm := h.classifier.Classify(method, path, req.Headers)

	d, err := h.decider.Check(ctx, authz.CheckRequest{
		Access:     ac,
		Permission: perm,
		Resource:   rc,
		Target:     resource,
	})
	if err != nil {
		log.Error("access decision failed",
			observability.String("user_id", ac.UserID),
			observability.Error(err),
		)
		return h.builder.Deny(resource, policy.InternalErrorReason), OutcomeError, nil
	}
	if !d.Allowed() {
		log.Info("access denied",
			observability.String("user_id", ac.UserID),
			observability.String("permission", perm.String()),
			observability.String("stage", string(d.Stage)),
			observability.String("reason", d.Reason),
		)
		return h.builder.Deny(resource, d.Reason), OutcomeDeny, nil
	}

	log.Info("access granted",
		observability.String("user_id", ac.UserID),
		observability.String("permission", perm.String()),
		observability.String("resource_type", rc.Type.String()),
	)
	return h.builder.Allow(ac.UserID, resource, policy.Context(ac, rc)), OutcomeAllow, nil
}

func (h *Handler) authFailed(ctx context.Context, req *Request, err error) (*policy.Document, Outcome, error) {
	reason := jwt.Reason(err)
	h.logger.WithContext(ctx).Warn("authentication failed",
		observability.String("reason", reason),
		observability.String("source_ip", req.SourceIP),
	)
	h.auditor.LogEvent(ctx, audit.NewEvent(audit.EventTypeAuthentication, audit.ActionTokenValidate, audit.OutcomeFailure).
		WithSubject(&audit.Subject{IPAddress: req.SourceIP, UserAgent: h.userAgent(req)}).
		WithResource(&audit.Resource{Path: req.PolicyResource()}).
		WithReason(reason))
	return nil, OutcomeAuthFailed, fmt.Errorf("authenticate request: %w", err)
}

func (h *Handler) denied(ctx context.Context, resource string, err error) *policy.Document {
	reason := policy.InternalErrorReason
	var authzErr *authz.AuthorizationError
	if errors.As(err, &authzErr) {
		reason = authzErr.Reason
	}
	h.logger.WithContext(ctx).Warn("access context rejected", observability.String("reason", reason))
	return h.builder.Deny(resource, reason)
}

func (h *Handler) userAgent(req *Request) string {
	if req.UserAgent != "" {
		return req.UserAgent
	}
	v, _ := lookupFold(req.Headers, "User-Agent")
	return v
}
