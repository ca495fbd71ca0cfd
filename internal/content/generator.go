package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crm_autotask/internal/config"
	"crm_autotask/internal/domain"
)

// Request is what the engine knows when it needs task text.
type Request struct {
	Reseller domain.Reseller
	Signal   domain.GapSignal
	AgentID  string
	Channel  domain.Channel
}

// Content is the structured result returned by a text service.
type Content struct {
	Prompt             string   `json:"prompt"`
	ContextSummary     string   `json:"context_summary"`
	SuggestedSolutions []string `json:"suggested_solutions"`
}

func (c Content) empty() bool {
	return strings.TrimSpace(c.Prompt) == ""
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Content, error)
}

// New returns the template generator when no endpoint is configured, and the
// remote service otherwise. Callers wrap the remote service in a Pass so a
// failing service falls back to templates.
func New(cfg config.ContentConfig, logger *slog.Logger) (Generator, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return TemplateGenerator{}, nil
	}
	api, err := NewAPIGenerator(APIGeneratorConfig{
		Endpoint:     cfg.Endpoint,
		AuthToken:    cfg.AuthToken,
		Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		Retries:      cfg.Retries,
		RetryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return api, nil
}

// Pass serves task text for a single scheduling pass. Primary is tried until
// it fails once or the pass budget runs out; from then on every request is
// answered from templates. A Pass is not safe for concurrent use.
type Pass struct {
	primary  Generator
	fallback TemplateGenerator
	logger   *slog.Logger
	budget   context.Context
	cancel   context.CancelFunc
	open     bool
}

func NewPass(ctx context.Context, primary Generator, budget time.Duration, logger *slog.Logger) *Pass {
	if logger == nil {
		logger = slog.Default()
	}
	bctx, cancel := context.WithTimeout(ctx, budget)
	_, template := primary.(TemplateGenerator)
	return &Pass{
		primary: primary,
		logger:  logger,
		budget:  bctx,
		cancel:  cancel,
		open:    primary == nil || template,
	}
}

// Degraded reports whether the pass has stopped calling the primary service.
func (p *Pass) Degraded() bool { return p.open }

func (p *Pass) Close() { p.cancel() }

func (p *Pass) Generate(ctx context.Context, req Request) (Content, error) {
	if !p.open {
		out, err := p.primary.Generate(p.budget, req)
		if err == nil && !out.empty() {
			return out, nil
		}
		if ctx.Err() != nil {
			return Content{}, ctx.Err()
		}
		p.open = true
		p.logger.Warn("content service unavailable, using templates for the rest of the pass",
			"reseller_id", req.Reseller.ID, "task_type", req.Signal.RecommendedTaskType, "error", err)
	}
	return p.fallback.Generate(ctx, req)
}

// TemplateGenerator builds task text locally from the signal and profile.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, req Request) (Content, error) {
	r, sig := req.Reseller, req.Signal
	name := r.Name
	if name == "" {
		name = r.ID
	}
	channel := req.Channel
	if channel == "" {
		channel = domain.ChannelPhone
	}

	var out Content
	switch sig.RecommendedTaskType {
	case domain.TaskTypeChurnPrevention:
		out.Prompt = fmt.Sprintf("Reach %s via %s and find out what is holding sales back before they churn.", name, channel)
		out.SuggestedSolutions = []string{
			"Review the last orders together and confirm pain points",
			"Offer a retention incentive matched to their risk appetite",
			"Agree on a concrete next order date",
		}
	case domain.TaskTypeProactiveOutreach:
		out.Prompt = fmt.Sprintf("Introduce yourself to %s via %s and help them place a first or repeat order.", name, channel)
		out.SuggestedSolutions = []string{
			"Walk through the onboarding checklist",
			"Share the best selling bundles for their segment",
		}
	case domain.TaskTypeInformationGathering:
		out.Prompt = fmt.Sprintf("Contact %s via %s and complete the missing profile details.", name, channel)
		out.SuggestedSolutions = []string{
			"Confirm the preferred communication channel",
			"Assess business acumen and risk aversion",
			"Record receptiveness on a 1-10 scale",
		}
	case domain.TaskTypeFollowUp:
		out.Prompt = fmt.Sprintf("Follow up with %s via %s and check how things are going since the last contact.", name, channel)
		out.SuggestedSolutions = []string{
			"Ask about stock levels and upcoming demand",
			"Resolve any open questions from the previous interaction",
		}
	default:
		return Content{}, domain.NewValidationError(r.ID, fmt.Sprintf("no template for task type %q", sig.RecommendedTaskType))
	}

	summary := []string{
		fmt.Sprintf("status=%s", r.Status),
		fmt.Sprintf("risk=%s (%.2f)", sig.RiskLevel, sig.RiskScore),
	}
	if r.Profile.Receptiveness > 0 {
		summary = append(summary, fmt.Sprintf("receptiveness=%d/10", r.Profile.Receptiveness))
	}
	if r.Profile.RiskAversion == domain.TierHigh {
		out.SuggestedSolutions = append(out.SuggestedSolutions, "Keep the offer low risk and emphasise guarantees")
	}
	if sig.Rationale != "" {
		summary = append(summary, sig.Rationale)
	}
	out.ContextSummary = strings.Join(summary, "; ")
	return out, nil
}
