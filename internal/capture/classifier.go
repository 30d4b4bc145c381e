package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Verdict is the classifier's opinion of a frame. The capture manager only
// transports it.
type Verdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Malicious  bool    `json:"malicious"`
}

// Classifier receives packet features one at a time.
type Classifier interface {
	Classify(ctx context.Context, f Features) (Verdict, error)
}

// DefaultClassifyTimeout bounds one classifier call.
const DefaultClassifyTimeout = 2 * time.Second

// maxVerdictSize bounds the classifier response body.
const maxVerdictSize = 64 << 10

// HTTPClassifier posts features as JSON to URL and decodes a Verdict.
type HTTPClassifier struct {
	URL    string
	Client *http.Client
}

// NewHTTPClassifier creates a classifier client for url.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = DefaultClassifyTimeout
	}
	return &HTTPClassifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClassifier) Classify(ctx context.Context, f Features) (Verdict, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerdictSize))
		return Verdict{}, fmt.Errorf("classifier returned %s", resp.Status)
	}
	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerdictSize)).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("invalid classifier response: %w", err)
	}
	return v, nil
}

// LogClassifier logs features at debug level and returns no verdict. It is
// used when no classifier endpoint is configured.
type LogClassifier struct {
	Logger *slog.Logger
}

func (c LogClassifier) Classify(_ context.Context, f Features) (Verdict, error) {
	if c.Logger != nil {
		c.Logger.Debug("packet_features", "description", f.Description)
	}
	return Verdict{Label: "unclassified"}, nil
}
