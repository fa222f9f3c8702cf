package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/expsync/go/internal/protocol"
)

// ErrIncompleteResponse means the authority answered without the fields a
// sample needs. The round is discarded.
var ErrIncompleteResponse = errors.New("incomplete time authority response")

// AuthorityTime is one reading from the time authority
type AuthorityTime struct {
	ServerTime time.Time
	Timezone   string
}

// TimeAuthority is the clock every device agrees to follow
type TimeAuthority interface {
	FetchTime(ctx context.Context) (AuthorityTime, error)
}

// HTTPAuthority queries a time endpoint that answers
// {"success":true,"serverTime":<ms>,"timezone":"..."}
type HTTPAuthority struct {
	url    string
	client *http.Client
}

func NewHTTPAuthority(url string, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthority{url: url, client: client}
}

type timeResponse struct {
	Success    *bool  `json:"success"`
	ServerTime *int64 `json:"serverTime"`
	Timezone   string `json:"timezone"`
}

func (a *HTTPAuthority) FetchTime(ctx context.Context) (AuthorityTime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return AuthorityTime{}, fmt.Errorf("failed to build time request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return AuthorityTime{}, fmt.Errorf("failed to query time authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AuthorityTime{}, fmt.Errorf("time authority returned status %d", resp.StatusCode)
	}

	var body timeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return AuthorityTime{}, fmt.Errorf("failed to decode time response: %w", err)
	}
	if body.Success == nil || !*body.Success || body.ServerTime == nil {
		return AuthorityTime{}, ErrIncompleteResponse
	}

	return AuthorityTime{
		ServerTime: protocol.FromMillis(*body.ServerTime),
		Timezone:   body.Timezone,
	}, nil
}
