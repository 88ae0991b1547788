package authz

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
	"github.com/vyrodovalexey/avauthz/internal/authz/abac"
	"github.com/vyrodovalexey/avauthz/internal/observability"
)

var authzTracer = otel.Tracer("avauthz/authz")

// Effect is the outcome of a decision.
type Effect string

// Effects.
const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Stage names the check that produced a decision.
type Stage string

// Stages, in evaluation order.
const (
	StageRBAC        Stage = "rbac"
	StageOwnership   Stage = "ownership"
	StageDepartment  Stage = "department"
	StageRestriction Stage = "restriction"
	StageMNPI        Stage = "mnpi"
	StageAllowed     Stage = "allowed"
)

// Decision is the result of an access check.
type Decision struct {
	Effect      Effect
	PrincipalID string
	Permission  Permission
	Resource    string
	Reason      string
	Stage       Stage
	// Err is the typed denial for Deny decisions.
	Err error
}

// Allowed reports whether the decision is Allow.
func (d *Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// CheckRequest is the input to Engine.Check.
type CheckRequest struct {
	Access     *AccessContext
	Permission Permission
	// Resource is optional. Without it only the role check runs.
	Resource *ResourceContext
	// Target is the ARN or path the decision applies to.
	Target string
}

// EngineConfig holds the engine's static settings.
type EngineConfig struct {
	MNPIEnforcement       bool
	DefaultClassification Classification
	AdminRoles            RoleSet
	SeniorRoles           RoleSet
}

// DefaultEngineConfig returns the built-in engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MNPIEnforcement:       true,
		DefaultClassification: ClassificationPublic,
		AdminRoles:            NewRoleSet(RoleAdmin, RoleSystem),
		SeniorRoles:           NewRoleSet(RoleSeniorAnalyst, RolePortfolioManager, RoleComplianceOfficer),
	}
}

// Engine decides whether a caller may exercise a permission on a resource.
// Checks run in a fixed order: role permissions, ownership, department,
// attribute restrictions, then MNPI tier. The first failing check denies.
// An Engine is immutable and safe for concurrent use.
type Engine struct {
	registry     *Registry
	cfg          EngineConfig
	restrictions *abac.Evaluator
	auditor      audit.Logger
	logger       observability.Logger
	metrics      *Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineMetrics sets the engine metrics.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLogger sets where decisions are audited.
func WithAuditLogger(a audit.Logger) EngineOption {
	return func(e *Engine) { e.auditor = a }
}

// WithRestrictions sets the attribute restrictions evaluated after the
// ownership and department checks.
func WithRestrictions(r *abac.Evaluator) EngineOption {
	return func(e *Engine) { e.restrictions = r }
}

// NewEngine creates an Engine around an immutable registry.
func NewEngine(registry *Registry, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("permission registry is required")
	}
	switch cfg.DefaultClassification {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
	default:
		return nil, fmt.Errorf("invalid default classification %d", cfg.DefaultClassification)
	}

	e := &Engine{
		registry: registry,
		cfg:      cfg,
		auditor:  audit.NewNoopLogger(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Check evaluates req. A Deny is returned as a Decision, never as an error;
// the error result is reserved for failures evaluating attribute rules.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	start := time.Now()
	ac := req.Access

	ctx, span := authzTracer.Start(ctx, "authz.check",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("authz.principal", ac.UserID),
			attribute.String("authz.permission", req.Permission.String()),
			attribute.String("authz.target", req.Target),
		),
	)
	defer span.End()

	d, err := e.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision evaluation failed")
		e.logger.WithContext(ctx).Error("access decision failed",
			observability.String("user_id", ac.UserID),
			observability.String("permission", req.Permission.String()),
			observability.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("authz.effect", string(d.Effect)),
		attribute.String("authz.stage", string(d.Stage)),
	)
	e.metrics.recordDecision(d, time.Since(start))
	e.audit(ctx, req, d)

	e.logger.WithContext(ctx).Debug("access decision",
		observability.String("user_id", ac.UserID),
		observability.String("permission", req.Permission.String()),
		observability.String("target", req.Target),
		observability.String("effect", string(d.Effect)),
		observability.String("stage", string(d.Stage)),
		observability.String("reason", d.Reason),
	)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, req CheckRequest) (*Decision, error) {
	ac := req.Access
	granted, unknown := e.registry.Granted(ac.Roles)
	if len(unknown) > 0 {
		e.metrics.recordUnknownRoles(len(unknown))
		e.logger.WithContext(ctx).Warn("ignoring unknown roles",
			observability.String("user_id", ac.UserID),
			observability.Strings("roles", unknown),
		)
	}

	if !granted.Has(req.Permission) {
		reason := "insufficient permissions: " + req.Permission.String()
		return e.deny(req, StageRBAC, reason, &AuthorizationError{
			Reason:     reason,
			Permission: req.Permission.String(),
			Resource:   req.Target,
		}), nil
	}

	rc := req.Resource
	if rc == nil {
		return e.allow(req), nil
	}

	cls := rc.Classification
	if cls == ClassificationUnset {
		cls = e.cfg.DefaultClassification
	}

	roles := ac.RoleSet()
	isAdmin := roles.Intersects(e.cfg.AdminRoles)

	if rc.OwnerID != "" && rc.OwnerID != ac.UserID && !isAdmin {
		sameDepartment := rc.Department != "" && ac.HasDepartment(rc.Department)
		if !roles.Intersects(e.cfg.SeniorRoles) || !sameDepartment {
			return e.denyABAC(req, StageOwnership, "cannot access resource owned by another user"), nil
		}
	}

	if rc.Department != "" && !ac.HasDepartment(rc.Department) && !isAdmin {
		return e.denyABAC(req, StageDepartment, fmt.Sprintf("cannot access %s department resource", rc.Department)), nil
	}

	if e.restrictions.Len() > 0 {
		attrs := rc.Attributes()
		attrs["mnpi_classification"] = cls.String()
		m, err := e.restrictions.Evaluate(ctx, &abac.Input{
			Subject: map[string]interface{}{
				"id":                 ac.UserID,
				"email":              ac.Email,
				"roles":              ac.Roles,
				"departments":        ac.Departments,
				"location":           ac.Location,
				"security_clearance": ac.Clearance,
			},
			Resource: attrs,
			Request: map[string]interface{}{
				"ip_address": ac.IPAddress,
				"user_agent": ac.UserAgent,
			},
			Permission: req.Permission.String(),
			Now:        ac.RequestTime,
		})
		if err != nil {
			return nil, err
		}
		if m != nil {
			return e.denyABAC(req, StageRestriction, m.Reason), nil
		}
	}

	if e.cfg.MNPIEnforcement {
		if required, ok := cls.RequiredPermission(); ok && !granted.Has(required) {
			reason := fmt.Sprintf("insufficient MNPI clearance for %s information", cls)
			return e.deny(req, StageMNPI, reason, &MNPIAccessDeniedError{
				Classification: cls,
				Required:       required,
			}), nil
		}
	}

	return e.allow(req), nil
}

func (e *Engine) allow(req CheckRequest) *Decision {
	return &Decision{
		Effect:      EffectAllow,
		PrincipalID: req.Access.UserID,
		Permission:  req.Permission,
		Resource:    req.Target,
		Reason:      "access granted",
		Stage:       StageAllowed,
	}
}

func (e *Engine) denyABAC(req CheckRequest, stage Stage, reason string) *Decision {
	return e.deny(req, stage, reason, &AuthorizationError{
		Reason:     reason,
		Permission: req.Permission.String(),
		Resource:   req.Target,
	})
}

func (e *Engine) deny(req CheckRequest, stage Stage, reason string, err error) *Decision {
	return &Decision{
		Effect:      EffectDeny,
		PrincipalID: req.Access.UserID,
		Permission:  req.Permission,
		Resource:    req.Target,
		Reason:      reason,
		Stage:       stage,
		Err:         err,
	}
}

func (e *Engine) audit(ctx context.Context, req CheckRequest, d *Decision) {
	ac := req.Access
	subject := &audit.Subject{
		ID:        ac.UserID,
		Email:     ac.Email,
		Roles:     ac.Roles,
		IPAddress: ac.IPAddress,
		UserAgent: ac.UserAgent,
	}
	resource := &audit.Resource{
		Path:       req.Target,
		Permission: req.Permission.String(),
	}
	if rc := req.Resource; rc != nil {
		resource.Type = rc.Type.String()
		resource.ID = rc.ID
		resource.Classification = rc.Classification.String()
	}

	outcome := audit.OutcomeSuccess
	if !d.Allowed() {
		outcome = audit.OutcomeDenied
	}
	e.auditor.LogEvent(ctx, audit.NewEvent(audit.EventTypeAuthorization, audit.ActionAccess, outcome).
		WithSubject(subject).
		WithResource(resource).
		WithReason(d.Reason).
		WithMetadata("stage", string(d.Stage)))

	if !e.cfg.MNPIEnforcement || req.Resource == nil {
		return
	}
	cls := req.Resource.Classification
	if cls == ClassificationUnset {
		cls = e.cfg.DefaultClassification
	}
	if _, sensitive := cls.RequiredPermission(); !sensitive {
		return
	}
	switch d.Stage {
	case StageMNPI:
		e.auditor.LogEvent(ctx, audit.NewEvent(audit.EventTypeMNPI, audit.ActionMNPIAccess, audit.OutcomeDenied).
			WithSubject(subject).
			WithResource(&audit.Resource{Type: resource.Type, ID: resource.ID, Path: resource.Path, Classification: cls.String()}).
			WithReason(d.Reason))
	case StageAllowed:
		e.auditor.LogEvent(ctx, audit.NewEvent(audit.EventTypeMNPI, audit.ActionMNPIAccess, audit.OutcomeGranted).
			WithSubject(subject).
			WithResource(&audit.Resource{Type: resource.Type, ID: resource.ID, Path: resource.Path, Classification: cls.String()}))
	}
}

func asMNPI(err error, target **MNPIAccessDeniedError) bool {
	return err != nil && errors.As(err, target)
}
