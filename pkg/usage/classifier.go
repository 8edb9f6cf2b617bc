package usage

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// Predicate inspects a vendor response (or transport error) and returns an
// outcome when it recognizes it. Returning false defers to the next rule.
type Predicate func(resp *models.VendorResponse, err error) (models.Outcome, bool)

// quotaMarkers are body fragments vendors use for quota and rate limit errors.
var quotaMarkers = [][]byte{
	[]byte("RESOURCE_EXHAUSTED"),
	[]byte("insufficient_quota"),
	[]byte("quota_exceeded"),
	[]byte("rate_limit_exceeded"),
}

// Classifier maps vendor responses to outcomes. Provider specific predicates
// run before the default rules.
type Classifier struct {
	mu    sync.RWMutex
	rules map[models.Provider][]Predicate
}

// NewClassifier returns a Classifier with the built-in provider rules.
func NewClassifier() *Classifier {
	c := &Classifier{rules: make(map[models.Provider][]Predicate)}
	c.Register(models.ProviderOCRSpace, ocrSpaceErrors)
	return c
}

// Register adds a predicate for provider. Predicates run in registration order.
func (c *Classifier) Register(provider models.Provider, p Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[provider] = append(c.rules[provider], p)
}

// Classify returns the outcome of a dispatch to provider.
func (c *Classifier) Classify(provider models.Provider, resp *models.VendorResponse, err error) models.Outcome {
	c.mu.RLock()
	rules := c.rules[provider]
	c.mu.RUnlock()

	for _, rule := range rules {
		if outcome, ok := rule(resp, err); ok {
			return outcome
		}
	}
	return DefaultClassify(resp, err)
}

// DefaultClassify applies the status code rules shared by every vendor.
func DefaultClassify(resp *models.VendorResponse, err error) models.Outcome {
	if err != nil || resp == nil {
		return models.OutcomeTransient
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return models.OutcomeSuccess
	case code == http.StatusTooManyRequests, code == http.StatusPaymentRequired:
		return models.OutcomeQuotaExceeded
	case code >= 400 && code < 500 && hasQuotaMarker(resp.Body):
		return models.OutcomeQuotaExceeded
	case code == http.StatusRequestTimeout, code >= 500:
		return models.OutcomeTransient
	case code >= 400:
		return models.OutcomeFatal
	default:
		// 1xx and 3xx are not expected from vendor APIs.
		return models.OutcomeTransient
	}
}

func hasQuotaMarker(body []byte) bool {
	for _, m := range quotaMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// ocrSpaceErrors handles OCR.space, which reports failures inside 200 bodies.
func ocrSpaceErrors(resp *models.VendorResponse, err error) (models.Outcome, bool) {
	if err != nil || resp == nil || resp.StatusCode != http.StatusOK {
		return "", false
	}
	var body struct {
		IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
		ErrorMessage          json.RawMessage `json:"ErrorMessage"`
	}
	if json.Unmarshal(resp.Body, &body) != nil || !body.IsErroredOnProcessing {
		return "", false
	}

	msg := bytes.ToLower(body.ErrorMessage)
	for _, w := range [][]byte{[]byte("maximum"), []byte("limit"), []byte("quota"), []byte("exceeded")} {
		if bytes.Contains(msg, w) {
			return models.OutcomeQuotaExceeded, true
		}
	}
	return models.OutcomeFatal, true
}
