package mapper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrRateLimited is returned when the classifier call rate is exhausted.
var ErrRateLimited = errors.New("classifier rate limited")

// ClassifyRequest is the text of an unmatched event plus the codes the
// classifier may choose from.
type ClassifyRequest struct {
	Title      string
	Summary    string
	Candidates []string
}

// Suggestion is a single classifier proposal.
type Suggestion struct {
	Code       string
	Confidence float64
	Reason     string
}

// Classification is the classifier's answer and what it cost.
type Classification struct {
	Suggestions []Suggestion
	CostUSD     float64
	Model       string
}

// Classifier proposes signposts for text the rule table could not map.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Classification, error)
}

const classifyMethod = "/proximity.classifier.v1.ClassifierService/Classify"

// GRPCClassifierConfig configures the remote classifier client.
type GRPCClassifierConfig struct {
	Endpoint string
	Timeout  time.Duration // per call
	RPS      float64       // sustained calls per second
	Burst    int
}

// GRPCClassifier calls a remote classification service. Messages are
// google.protobuf.Struct so the service contract stays schema-light:
//
//	request:  {title, summary, candidates: [code...]}
//	response: {model, cost_usd, suggestions: [{code, confidence, reason}...]}
type GRPCClassifier struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGRPCClassifier dials endpoint lazily.
func NewGRPCClassifier(cfg GRPCClassifierConfig, logger *zap.Logger) (*GRPCClassifier, error) {
	conn, err := grpc.NewClient(
		cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCClassifier: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps, burst := cfg.RPS, cfg.Burst
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}

	logger.Info("fallback classifier configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("timeout", timeout),
		zap.Float64("rps", rps),
	)

	return &GRPCClassifier{
		conn:    conn,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}, nil
}

// Classify refuses immediately when the rate limit is exhausted.
func (c *GRPCClassifier) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	candidates := make([]any, len(req.Candidates))
	for i, code := range req.Candidates {
		candidates[i] = code
	}
	in, err := structpb.NewStruct(map[string]any{
		"title":      req.Title,
		"summary":    req.Summary,
		"candidates": candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("Classify: build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, classifyMethod, in, out); err != nil {
		return nil, fmt.Errorf("Classify: %w", err)
	}
	return decodeClassification(out), nil
}

func decodeClassification(out *structpb.Struct) *Classification {
	fields := out.GetFields()
	res := &Classification{
		Model:   fields["model"].GetStringValue(),
		CostUSD: fields["cost_usd"].GetNumberValue(),
	}
	for _, v := range fields["suggestions"].GetListValue().GetValues() {
		s := v.GetStructValue().GetFields()
		code := s["code"].GetStringValue()
		if code == "" {
			continue
		}
		res.Suggestions = append(res.Suggestions, Suggestion{
			Code:       code,
			Confidence: s["confidence"].GetNumberValue(),
			Reason:     s["reason"].GetStringValue(),
		})
	}
	return res
}

// Close shuts down the gRPC connection.
func (c *GRPCClassifier) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
