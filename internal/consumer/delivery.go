package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/snehjoshi/storyq/internal/types"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of body>" when the
	// subscription has a secret.
	SignatureHeader = "X-Storyq-Signature"
	StoryIDHeader   = "X-Storyq-Story-Id"
)

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	SubscriptionID string            `json:"subscription_id"`
	Story          types.QueuedStory `json:"story"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches body under secret.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// deliverStory POSTs s to the subscription URL.
// Returns nil only when the endpoint responds with HTTP 200 OK.
func deliverStory(ctx context.Context, client *http.Client, sub *Subscription, s *types.QueuedStory) error {
	body, err := json.Marshal(Payload{SubscriptionID: sub.ID, Story: *s})
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(StoryIDHeader, s.ID)
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
