package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
	"github.com/sells-group/screening-cli/pkg/anthropic"
)

const modelSystemPrompt = `You are a bank payment screening analyst. Assess the payment below for money-laundering risk, sanctions exposure, unusual patterns, and regulatory compliance. Respond ONLY with a JSON object of this exact shape: {"risk_level": "low"|"medium"|"high", "confidence": <0.0-1.0>, "reason": "<short explanation>"}. Do not include any text outside the JSON object.`

const modelUserPrompt = `Payment details:
- Entity: %s
- Amount: %.2f %s
- Sender: %s
- Counterparty: %s (country: %s)
- Purpose: %s
- Cross-border: %t`

// ModelConfig configures the external-model analyzer.
type ModelConfig struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
}

// Model is the external-model analyzer. It formats the request into a prompt,
// sends it to the completion service, and extracts a structured verdict from
// the free-text answer. Calls are rate limited and guarded by a circuit
// breaker shared across stages.
type Model struct {
	client  anthropic.Client
	cfg     ModelConfig
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewModel creates an external-model analyzer.
func NewModel(client anthropic.Client, cfg ModelConfig) *Model {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Model{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			ShouldTrip: resilience.IsTransient,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("model analyzer circuit state changed",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

// Name implements Strategy.
func (a *Model) Name() string { return "external-model" }

// Evaluate implements Strategy.
func (a *Model) Evaluate(ctx context.Context, req model.ScreeningRequest) (Finding, error) {
	if err := a.breaker.Allow(); err != nil {
		return Finding{}, errors.Join(ErrUnavailable, err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return Finding{}, classifyTransportError(err)
	}

	prompt := fmt.Sprintf(modelUserPrompt,
		req.EntityID,
		req.Amount, req.Currency,
		req.SenderName,
		req.CounterpartyName, req.CounterpartyCountry,
		req.Purpose,
		req.CrossBorder(),
	)

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    modelSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	a.breaker.Record(err)
	if err != nil {
		return Finding{}, classifyTransportError(err)
	}

	finding, err := parseFinding(resp.Text())
	if err != nil {
		// A parse failure is deterministic; never default to low risk.
		zap.L().Warn("model analyzer returned unparseable verdict",
			zap.String("entity", req.EntityID),
			zap.Error(err),
		)
		return Finding{}, errors.Join(ErrInvalidResponse, err)
	}
	return finding, nil
}

// classifyTransportError maps call failures onto the analyzer taxonomy.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrUnavailable, err)
}

// parseFinding extracts a verdict from free text. The model is instructed to
// answer with bare JSON but in practice wraps it in prose or code fences, so
// the outermost JSON object is located first.
func parseFinding(text string) (Finding, error) {
	payload := extractJSONObject(text)
	if payload == "" {
		return Finding{}, fmt.Errorf("no JSON object in response %q", truncate(text, 120))
	}

	var raw struct {
		RiskLevel  string  `json:"risk_level"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Finding{}, fmt.Errorf("decode verdict: %w", err)
	}

	risk := model.RiskLevel(strings.ToLower(strings.TrimSpace(raw.RiskLevel)))
	if !risk.Valid() {
		return Finding{}, fmt.Errorf("unknown risk level %q", raw.RiskLevel)
	}
	confidence := raw.Confidence
	if confidence < 0 || confidence > 1 {
		return Finding{}, fmt.Errorf("confidence %v out of range", raw.Confidence)
	}

	return Finding{
		Risk:       risk,
		Confidence: confidence,
		Rationale:  strings.TrimSpace(raw.Reason),
	}, nil
}

// extractJSONObject returns the outermost {...} span of text, tolerating
// markdown code fences and surrounding prose. Empty string if none found.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
