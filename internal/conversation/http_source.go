package conversation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zulandar/signalbox/internal/platform"
)

// HTTPSource reads the conversation feed over HTTP.
//
//	GET  {FeedURL}/{number}  -> {"success":true,"data":[Chat...]}
//	POST {ModeURL}           <- {"waId","responseMode","businessPhoneNumber"}
type HTTPSource struct {
	client  *platform.Client
	feedURL string
	modeURL string
}

// NewHTTPSource creates an HTTPSource. modeURL may be empty, in which case
// mode changes are rejected with a ConfigurationError.
func NewHTTPSource(client *platform.Client, feedURL, modeURL string) (*HTTPSource, error) {
	if client == nil {
		return nil, fmt.Errorf("conversation: client is required")
	}
	if feedURL == "" {
		return nil, platform.Missing("conversations.feed_url")
	}
	return &HTTPSource{
		client:  client,
		feedURL: strings.TrimRight(feedURL, "/"),
		modeURL: modeURL,
	}, nil
}

type feedResponse struct {
	Success *bool   `json:"success"`
	Data    *[]Chat `json:"data"`
	Error   string  `json:"error"`
}

// Fetch implements Source.
func (h *HTTPSource) Fetch(ctx context.Context, businessNumber string) ([]Chat, error) {
	const op = "fetch conversations"
	resp, err := h.client.Send(ctx, platform.Request{
		Method: http.MethodGet,
		URL:    h.feedURL + "/" + url.PathEscape(businessNumber),
	})
	if err != nil {
		return nil, err
	}
	var out feedResponse
	if err := resp.Decode(op, &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		reason := out.Error
		if reason == "" {
			reason = "feed reported success=false"
		}
		return nil, &platform.ProtocolError{Op: op, Reason: reason, RawBody: resp.Body}
	}
	if out.Data == nil {
		return nil, &platform.ProtocolError{Op: op, Reason: "Invalid response format: missing data array", RawBody: resp.Body}
	}
	return *out.Data, nil
}

// SetResponseMode implements Source.
func (h *HTTPSource) SetResponseMode(ctx context.Context, businessNumber, conversationID string, mode ResponseMode) error {
	if h.modeURL == "" {
		return platform.Missing("conversations.mode_url")
	}
	_, err := h.client.Send(ctx, platform.Request{
		Method: http.MethodPost,
		URL:    h.modeURL,
		JSON: map[string]string{
			"waId":                conversationID,
			"responseMode":        string(mode),
			"businessPhoneNumber": businessNumber,
		},
	})
	return err
}
