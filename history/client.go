package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/tracklight-app/tracklight/internal"
)

// ChangeKind labels what happened to a message in the provider's change feed.
type ChangeKind string

const (
	// ChangeRead is the unread→read transition, the only one the session
	// tracker acts on.
	ChangeRead ChangeKind = "read"
	// ChangeUnread and anything else in the feed are carried through for
	// completeness but ignored downstream.
	ChangeUnread ChangeKind = "unread"
)

// ChangeRecord is one entry in the provider's incremental change feed.
type ChangeRecord struct {
	MessageID string     `json:"messageId"`
	Change    ChangeKind `json:"change"`
}

// HistoryResponse is one page of the change feed: everything between the
// requested cursor and the provider's present state, plus the cursor to
// resume from next time.
type HistoryResponse struct {
	Records    []ChangeRecord `json:"records"`
	NextCursor string         `json:"nextCursor"`
}

// Client talks to the provider. One client can be shared among many trackers.
type Client interface {
	// LatestCursor returns the provider's current feed position, used to
	// create a checkpoint on first connection and after a stale-cursor
	// reset.
	LatestCursor(ctx context.Context, credential string) (string, error)
	// History fetches all change records since the cursor. Returns
	// internal.StaleCursorError if the provider can no longer resume from
	// it, internal.AuthError on a rejected credential, and
	// internal.TransientFetchError for anything retryable.
	History(ctx context.Context, credential, cursor string) (*HistoryResponse, error)
	// MessageMetadata fetches a message's subject and sender.
	MessageMetadata(ctx context.Context, credential, messageID string) (subject, sender string, err error)
}

// HTTPClient implements Client over the provider's REST surface.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
}

func (c *HTTPClient) LatestCursor(ctx context.Context, credential string) (string, error) {
	body, statusCode, err := c.get(ctx, credential, c.BaseURL+"/history/latest")
	if err != nil {
		return "", err
	}
	if statusCode != 200 {
		return "", statusError(statusCode)
	}
	cursor := gjson.ParseBytes(body).Get("cursor").Str
	if cursor == "" {
		return "", &internal.TransientFetchError{StatusCode: statusCode, Err: fmt.Errorf("latest cursor response missing cursor")}
	}
	return cursor, nil
}

func (c *HTTPClient) History(ctx context.Context, credential, cursor string) (*HistoryResponse, error) {
	// the cursor is opaque and may contain anything
	qps := url.Values{"cursor": []string{cursor}}
	body, statusCode, err := c.get(ctx, credential, c.BaseURL+"/history?"+qps.Encode())
	if err != nil {
		return nil, err
	}
	switch statusCode {
	case 200:
		var hr HistoryResponse
		if err := json.Unmarshal(body, &hr); err != nil {
			return nil, &internal.TransientFetchError{StatusCode: statusCode, Err: fmt.Errorf("history response decode: %w", err)}
		}
		return &hr, nil
	case 404, 410:
		// the provider's "gone" signal for an expired resumption point
		return nil, &internal.StaleCursorError{Cursor: cursor}
	default:
		return nil, statusError(statusCode)
	}
}

func (c *HTTPClient) MessageMetadata(ctx context.Context, credential, messageID string) (string, string, error) {
	body, statusCode, err := c.get(ctx, credential, c.BaseURL+"/message/"+url.PathEscape(messageID)+"?fields=subject,from")
	if err != nil {
		return "", "", err
	}
	if statusCode != 200 {
		return "", "", statusError(statusCode)
	}
	res := gjson.ParseBytes(body)
	return res.Get("subject").Str, res.Get("from").Str, nil
}

// get performs a bearer-authed GET. Network failures come back as
// TransientFetchError; status-code mapping is left to the caller since "gone"
// only means a stale cursor on the history endpoint.
func (c *HTTPClient) get(ctx context.Context, credential, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, 0, &internal.TransientFetchError{Err: fmt.Errorf("NewRequest failed: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, &internal.TransientFetchError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, &internal.TransientFetchError{StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, res.StatusCode, nil
}

func statusError(statusCode int) error {
	switch statusCode {
	case 401, 403:
		return &internal.AuthError{Err: fmt.Errorf("provider returned HTTP %d", statusCode)}
	default:
		return &internal.TransientFetchError{StatusCode: statusCode, Err: fmt.Errorf("provider returned HTTP %d", statusCode)}
	}
}
