package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// toolPolicyDetector is the detector whose policy entry carries the
// per-request tool allow/block lists.
const toolPolicyDetector = "tool_abuse"

// Dispatcher fans out detection requests to all enabled detectors
// in parallel and collects their findings until a deadline.
type Dispatcher struct {
	detectors []Detector
	timeout   time.Duration
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher with the given detectors and deadline.
func NewDispatcher(detectors []Detector, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		detectors: detectors,
		timeout:   timeout,
		logger:    logger,
	}
}

// DetectorNames returns the names of all registered detectors.
func (e *Dispatcher) DetectorNames() []string {
	names := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		names[i] = d.Name()
	}
	return names
}

// DispatchStats describes how a dispatch went.
type DispatchStats struct {
	Ran        int      `json:"ran"`
	Skipped    int      `json:"skipped"`
	TimedOut   []string `json:"timed_out,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	DurationMs float64  `json:"duration_ms"`
}

// detectorOutput holds a single detector's findings alongside its name.
type detectorOutput struct {
	name     string
	findings []Finding
	err      error
}

// Dispatch runs all enabled detectors in parallel against the request and
// returns their findings sorted by detector name, rule id and match offset.
// Detectors that miss the deadline are abandoned and contribute nothing.
//
// Each call owns a channel buffered for every detector it started, so a
// detector finishing after the deadline completes its send and exits; its
// result is never read and cannot reach another call. A detector error or
// panic counts as a soft failure with zero findings.
func (e *Dispatcher) Dispatch(ctx context.Context, req *DetectRequest, policy *PolicyConfig) ([]Finding, DispatchStats) {
	start := time.Now()
	var stats DispatchStats

	// Detectors share this copy; the caller's request is never modified.
	r := *req
	toolPolicy := policy.GetDetectorPolicy(toolPolicyDetector)
	r.ToolAllowList = toolPolicy.AllowedTools
	r.ToolBlockList = toolPolicy.BlockedTools

	active := make([]Detector, 0, len(e.detectors))
	for _, det := range e.detectors {
		if !policy.GetDetectorPolicy(det.Name()).IsEnabled() {
			stats.Skipped++
			continue
		}
		active = append(active, det)
	}
	stats.Ran = len(active)
	if len(active) == 0 {
		return nil, stats
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan detectorOutput, len(active))

	for _, det := range active {
		go func(d Detector) {
			out := detectorOutput{name: d.Name()}
			defer func() {
				if p := recover(); p != nil {
					out.findings = nil
					out.err = fmt.Errorf("detector panic: %v", p)
				}
				ch <- out
			}()
			out.findings, out.err = d.Detect(ctx, &r)
		}(det)
	}

	collected := make([]detectorOutput, 0, len(active))
	remaining := len(active)
	for remaining > 0 {
		select {
		case out := <-ch:
			collected = append(collected, out)
			remaining--
		case <-ctx.Done():
			remaining = 0
			collected = drainReady(ch, collected)
			stats.TimedOut = missingNames(active, collected)
			if len(stats.TimedOut) > 0 {
				e.logger.Warn("detector deadline exceeded, returning partial results",
					zap.Duration("timeout", e.timeout),
					zap.Strings("detectors", stats.TimedOut),
				)
			}
		}
	}

	var findings []Finding
	for _, out := range collected {
		if out.err != nil {
			e.logger.Warn("detector error",
				zap.String("detector", out.name),
				zap.Error(out.err),
			)
			stats.Failed = append(stats.Failed, out.name)
			continue
		}
		for _, f := range out.findings {
			f = f.Clone()
			if f.Detector == "" {
				f.Detector = out.name
			}
			if f.Severity < SeveritySafe || f.Severity > SeverityCritical {
				f.Severity = SeverityCritical
			}
			findings = append(findings, f)
		}
	}
	sort.Strings(stats.Failed)
	SortFindings(findings)

	stats.DurationMs = float64(time.Since(start)) / float64(time.Millisecond)
	return findings, stats
}

// SortFindings orders findings by detector name, rule id, then match offset.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Detector != b.Detector {
			return a.Detector < b.Detector
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Match.Start < b.Match.Start
	})
}

// drainReady appends the results already buffered in ch without waiting
// for more. select picks randomly when the deadline and a result are both
// ready.
func drainReady(ch <-chan detectorOutput, collected []detectorOutput) []detectorOutput {
	for {
		select {
		case out := <-ch:
			collected = append(collected, out)
		default:
			return collected
		}
	}
}

func missingNames(active []Detector, collected []detectorOutput) []string {
	done := make(map[string]bool, len(collected))
	for _, out := range collected {
		done[out.name] = true
	}
	var missing []string
	for _, d := range active {
		if !done[d.Name()] {
			missing = append(missing, d.Name())
		}
	}
	sort.Strings(missing)
	return missing
}
