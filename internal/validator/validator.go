// Package validator composes detection, aggregation, identity tracking and
// the action engine into the synchronous validation call, and hands the
// resulting persistence work to the async queue.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/limiter"
	"github.com/triage-ai/bastion/internal/store"
)

var (
	ErrMissingIdentity = errors.New("identity is required")
	ErrEmptyInput      = errors.New("text or tool call is required")
	ErrUnknownSource   = errors.New("unknown source")
)

// DefaultNotifyChannel is used when Config.NotifyChannel is empty.
const DefaultNotifyChannel = "security"

// Config holds pipeline-level settings.
type Config struct {
	// AuditAll records an event for every validation, including SAFE/ALLOW.
	AuditAll      bool
	NotifyChannel string
	Aggregator    engine.AggregatorConfig
	// Policy is the server default, overlaid by any per-request policy.
	Policy *engine.PolicyConfig
}

// Request is one validation call.
type Request struct {
	RequestID string
	Identity  string
	Text      string
	Source    engine.Source
	ToolCall  *engine.ToolCall
	Policy    *engine.PolicyConfig
}

// Service runs validations. It is safe for concurrent use.
type Service struct {
	dispatcher *engine.Dispatcher
	actions    *engine.ActionEngine
	tracker    *limiter.Tracker
	tasks      TaskQueue
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New returns a Service over process-wide components owned by the caller.
func New(
	dispatcher *engine.Dispatcher,
	actions *engine.ActionEngine,
	tracker *limiter.Tracker,
	tasks TaskQueue,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = DefaultNotifyChannel
	}
	if cfg.Aggregator.MaxRecommendations <= 0 {
		cfg.Aggregator = engine.DefaultAggregatorConfig()
	}
	return &Service{
		dispatcher: dispatcher,
		actions:    actions,
		tracker:    tracker,
		tasks:      tasks,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Validate scans the request, updates the identity's state and returns
// the decision. Detector and persistence failures never surface here;
// only a malformed request is an error.
func (s *Service) Validate(ctx context.Context, req Request) (*engine.ValidationResult, error) {
	start := s.now()

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	source, err := normalizeSource(req)
	if err != nil {
		return nil, err
	}
	text := req.Text
	if text == "" && req.ToolCall != nil {
		text = req.ToolCall.ArgumentsJSON
	}
	if text == "" && (req.ToolCall == nil || req.ToolCall.Name == "") {
		return nil, ErrEmptyInput
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var (
		findings []engine.Finding
		stats    engine.DispatchStats
	)
	// Override identities bypass detection and are recorded as SAFE.
	if !s.actions.IsOverride(identity) {
		dr := &engine.DetectRequest{Text: text, Identity: identity, Source: source}
		if source == engine.SourceToolCall {
			dr.ToolCall = req.ToolCall
		}
		findings, stats = s.dispatcher.Dispatch(ctx, dr, s.cfg.Policy.Merge(req.Policy))
	}
	agg := engine.Aggregate(findings, s.cfg.Aggregator)

	decision, snap := s.tracker.Observe(ctx, identity, agg.Severity, func(st limiter.Status) engine.Decision {
		return s.actions.Decide(engine.DecisionInput{
			Identity:    identity,
			Severity:    agg.Severity,
			State:       st.State,
			Blocklisted: st.Blocklisted,
		})
	})

	if findings == nil {
		findings = []engine.Finding{}
	}
	recs := agg.Recommendations
	if recs == nil {
		recs = []string{}
	}
	result := &engine.ValidationResult{
		RequestID:       requestID,
		Identity:        identity,
		Severity:        agg.Severity,
		Action:          decision.Action,
		Findings:        findings,
		Fingerprint:     engine.Fingerprint(text),
		Timestamp:       start.UTC(),
		Recommendations: recs,
		State:           snap.State,
		TrustScore:      snap.Reputation.TrustScore,
		Reason:          decision.Reason,
		Dispatch:        stats,
	}
	result.LatencyMs = float64(s.now().Sub(start)) / float64(time.Millisecond)

	if decision.Action.Blocks() {
		s.logger.Info("request blocked",
			zap.String("request_id", requestID),
			zap.String("identity", identity),
			zap.String("severity", agg.Severity.String()),
			zap.String("state", string(snap.State)),
			zap.String("reason", decision.Reason),
		)
	}

	s.schedule(result, source, snap, decision)
	return result, nil
}

// schedule enqueues the persistence work for one validation.
func (s *Service) schedule(res *engine.ValidationResult, source engine.Source, snap limiter.Snapshot, d engine.Decision) {
	// A snapshot without a sequence was built on defaults after a failed
	// store read and would overwrite the durable record.
	if snap.Seq != 0 {
		s.tasks.Enqueue(Task{Kind: TaskRateLimit, RateLimit: snap.RateLimit, Seq: snap.Seq})
		s.tasks.Enqueue(Task{Kind: TaskReputation, Reputation: snap.Reputation, Seq: snap.Seq})
	}

	if s.cfg.AuditAll || res.Severity > engine.SeveritySafe || res.Action != engine.ActionAllow {
		c := res.Clone()
		s.tasks.Enqueue(Task{Kind: TaskEvent, Event: store.EventRecord{
			RequestID:       c.RequestID,
			Identity:        c.Identity,
			Source:          source,
			Severity:        c.Severity,
			Action:          c.Action,
			State:           c.State,
			TrustScore:      c.TrustScore,
			Fingerprint:     c.Fingerprint,
			Findings:        c.Findings,
			Recommendations: c.Recommendations,
			Reason:          c.Reason,
			LatencyMs:       c.LatencyMs,
			CreatedAt:       c.Timestamp,
		}})
	}

	if d.Notify {
		s.tasks.Enqueue(Task{Kind: TaskNotification, Notification: Notification{
			Channel:   s.cfg.NotifyChannel,
			Severity:  res.Severity,
			Identity:  res.Identity,
			RequestID: res.RequestID,
			Message:   notificationMessage(res),
		}})
	}
}

func notificationMessage(res *engine.ValidationResult) string {
	rules := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		if f.Severity == res.Severity {
			rules = append(rules, f.RuleID)
		}
	}
	return fmt.Sprintf("%s: identity %q request %s blocked at severity %s (%s)",
		res.Action, res.Identity, res.RequestID, res.Severity, strings.Join(rules, ", "))
}

func normalizeSource(req Request) (engine.Source, error) {
	switch req.Source {
	case "":
		if req.ToolCall != nil {
			return engine.SourceToolCall, nil
		}
		return engine.SourcePrompt, nil
	case engine.SourcePrompt, engine.SourceToolCall, engine.SourceOutput:
		return req.Source, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownSource, req.Source)
	}
}
