package detectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/bastion/internal/engine"
)

// ClassifyMethod is the full gRPC method name of the classifier service.
// Request and response are google.protobuf.Struct messages:
//
//	request:  {"text": string}
//	response: {"label": string, "confidence": number, "model_name": string}
const ClassifyMethod = "/promptguard.v1.PromptGuardService/Classify"

// RemoteClassifier calls an external prompt classification service over
// gRPC. It is only registered when an endpoint is configured; transport
// errors are returned to the dispatcher and count as soft failures.
type RemoteClassifier struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewRemoteClassifier creates a gRPC-based classifier detector.
// endpoint is a gRPC target (e.g. "prompt-guard:50052").
func NewRemoteClassifier(endpoint string, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteClassifier, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("NewRemoteClassifier: %w", err)
	}

	logger.Info("remote classifier configured", zap.String("endpoint", endpoint))

	return &RemoteClassifier{conn: conn, logger: logger}, nil
}

func (d *RemoteClassifier) Name() string {
	return "remote_classifier"
}

func (d *RemoteClassifier) Detect(ctx context.Context, req *engine.DetectRequest) ([]engine.Finding, error) {
	in, err := structpb.NewStruct(map[string]any{"text": req.Text})
	if err != nil {
		return nil, fmt.Errorf("RemoteClassifier.Detect: %w", err)
	}
	out := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		return nil, fmt.Errorf("RemoteClassifier.Detect: %w", err)
	}

	fields := out.GetFields()
	label := fields["label"].GetStringValue()
	confidence := fields["confidence"].GetNumberValue()
	model := fields["model_name"].GetStringValue()

	if !strings.EqualFold(label, "INJECTION") && !strings.EqualFold(label, "JAILBREAK") {
		return nil, nil
	}
	sev := confidenceSeverity(confidence)
	if sev == engine.SeveritySafe {
		return nil, nil
	}

	return []engine.Finding{{
		RuleID:      "rc-" + strings.ToLower(label),
		Category:    engine.CategoryPromptInjection,
		Subcategory: strings.ToLower(label),
		Severity:    sev,
		Metadata: map[string]string{
			"model":      model,
			"confidence": fmt.Sprintf("%.2f", confidence),
		},
	}}, nil
}

// confidenceSeverity maps a classifier score to a severity.
func confidenceSeverity(c float64) engine.Severity {
	switch {
	case c >= 0.9:
		return engine.SeverityCritical
	case c >= 0.75:
		return engine.SeverityHigh
	case c >= 0.5:
		return engine.SeverityMedium
	default:
		return engine.SeveritySafe
	}
}

// Close shuts down the gRPC connection.
func (d *RemoteClassifier) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
