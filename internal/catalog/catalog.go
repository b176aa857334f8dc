// Package catalog manages message templates hosted by the Platform: listing,
// exact-name lookup, creation and deletion.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/platform"
)

const (
	// DefaultSearchLimit is the page size of a name search.
	DefaultSearchLimit = 10
	// DefaultMaxPages bounds how many pages List follows.
	DefaultMaxPages = 20
)

// ErrNotFound is returned by FindExact when no template in the search result
// has exactly the requested name.
var ErrNotFound = errors.New("catalog: template not found")

// Status is the Platform's moderation status, passed through verbatim.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusPaused   Status = "PAUSED"
)

// Template is a Platform-hosted message template.
type Template struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Language       string            `json:"language"`
	Category       string            `json:"category"`
	Status         Status            `json:"status"`
	Components     []json.RawMessage `json:"components,omitempty"`
	RejectedReason string            `json:"rejected_reason,omitempty"`
}

// Definition is the caller-supplied content of a new template.
type Definition struct {
	Name                string            `json:"name"`
	Language            string            `json:"language"`
	Category            string            `json:"category"`
	Components          []json.RawMessage `json:"components"`
	AllowCategoryChange *bool             `json:"allow_category_change,omitempty"`
}

// Validate checks the fields the Platform requires.
func (d Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(d.Language) == "" {
		problems = append(problems, "language is required")
	}
	if strings.TrimSpace(d.Category) == "" {
		problems = append(problems, "category is required")
	}
	if len(d.Components) == 0 {
		problems = append(problems, "at least one component is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

// ErrInvalidDefinition is returned by Create for incomplete definitions.
var ErrInvalidDefinition = errors.New("catalog: invalid template definition")

// HeaderMediaComponent builds a HEADER component whose example references an
// uploaded media handle. format is IMAGE, VIDEO or DOCUMENT.
func HeaderMediaComponent(format, handle string) json.RawMessage {
	c := map[string]any{
		"type":   "HEADER",
		"format": strings.ToUpper(format),
		"example": map[string]any{
			"header_handle": []string{handle},
		},
	}
	data, _ := json.Marshal(c)
	return data
}

// Manager talks to the message_templates edge of one business account.
type Manager struct {
	client      *platform.Client
	baseURL     string
	version     string
	wabaID      string
	searchLimit int
	maxPages    int
	logger      *zap.Logger
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Client      *platform.Client
	BaseURL     string
	APIVersion  string
	WABAID      string // business account that owns the templates
	SearchLimit int    // defaults to DefaultSearchLimit
	MaxPages    int    // defaults to DefaultMaxPages
	Logger      *zap.Logger
}

// NewManager creates a Manager. A missing business account id is a
// ConfigurationError since nothing can be addressed without it.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("catalog: client is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("catalog: base url is required")
	}
	if opts.APIVersion == "" {
		return nil, fmt.Errorf("catalog: api version is required")
	}
	if opts.WABAID == "" {
		return nil, platform.Missing("platform.waba_id")
	}
	limit := opts.SearchLimit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	pages := opts.MaxPages
	if pages <= 0 {
		pages = DefaultMaxPages
	}
	return &Manager{
		client:      opts.Client,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		version:     opts.APIVersion,
		wabaID:      opts.WABAID,
		searchLimit: limit,
		maxPages:    pages,
		logger:      logging.OrNop(opts.Logger).Named("catalog"),
	}, nil
}

func (m *Manager) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/message_templates", m.baseURL, m.version, m.wabaID)
}

type listPage struct {
	Data   *[]Template `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

func (m *Manager) fetchPage(ctx context.Context, op string, q url.Values) (*listPage, error) {
	resp, err := m.client.Send(ctx, platform.Request{
		Method: http.MethodGet,
		URL:    m.endpoint(),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	var page listPage
	if err := resp.Decode(op, &page); err != nil {
		return nil, err
	}
	if page.Data == nil {
		return nil, &platform.ProtocolError{Op: op, Reason: "Invalid response format: missing data array", RawBody: resp.Body}
	}
	return &page, nil
}

// List returns every template of the account in Platform order.
func (m *Manager) List(ctx context.Context) ([]Template, error) {
	const op = "list templates"
	var out []Template
	q := url.Values{}
	for i := 0; i < m.maxPages; i++ {
		page, err := m.fetchPage(ctx, op, q)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", op, err)
		}
		out = append(out, *page.Data...)
		after := page.Paging.Cursors.After
		if page.Paging.Next == "" || after == "" {
			return out, nil
		}
		q = url.Values{"after": {after}}
	}
	m.logger.Warn("template listing truncated", zap.Int("max_pages", m.maxPages), zap.Int("templates", len(out)))
	return out, nil
}

// FindExact searches by name and returns the first result whose name equals
// name exactly. The Platform's search is a prefix match, so "Promo_Summer"
// also returns "Promo_Summer_2".
func (m *Manager) FindExact(ctx context.Context, name string) (Template, error) {
	const op = "find template"
	if strings.TrimSpace(name) == "" {
		return Template{}, ErrNotFound
	}
	page, err := m.fetchPage(ctx, op, url.Values{
		"name":  {name},
		"limit": {strconv.Itoa(m.searchLimit)},
	})
	if err != nil {
		return Template{}, fmt.Errorf("catalog: %s: %w", op, err)
	}
	for _, t := range *page.Data {
		if t.Name == name {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Create submits def for moderation. The returned template carries the
// Platform's id and status; status is PENDING when the Platform omits it.
func (m *Manager) Create(ctx context.Context, def Definition) (Template, error) {
	const op = "create template"
	if err := def.Validate(); err != nil {
		return Template{}, err
	}
	resp, err := m.client.Send(ctx, platform.Request{
		Method: http.MethodPost,
		URL:    m.endpoint(),
		JSON:   def,
	})
	if err != nil {
		return Template{}, fmt.Errorf("catalog: %s: %w", op, err)
	}
	var out struct {
		ID       string `json:"id"`
		Status   Status `json:"status"`
		Category string `json:"category"`
	}
	if err := resp.Decode(op, &out); err != nil {
		return Template{}, fmt.Errorf("catalog: %s: %w", op, err)
	}
	if out.ID == "" {
		return Template{}, fmt.Errorf("catalog: %s: %w", op,
			&platform.ProtocolError{Op: op, Reason: "response has no template id", RawBody: resp.Body})
	}
	t := Template{
		ID:         out.ID,
		Name:       def.Name,
		Language:   def.Language,
		Category:   def.Category,
		Status:     out.Status,
		Components: def.Components,
	}
	if out.Category != "" {
		t.Category = out.Category
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	m.logger.Info("template created", zap.String("template", t.Name), zap.String("id", t.ID), zap.String("status", string(t.Status)))
	return t, nil
}

// Delete removes every language of the named template. The Platform decides
// whether the template may be deleted in its current status.
func (m *Manager) Delete(ctx context.Context, name string) error {
	const op = "delete template"
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	resp, err := m.client.Send(ctx, platform.Request{
		Method: http.MethodDelete,
		URL:    m.endpoint(),
		Query:  url.Values{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("catalog: %s: %w", op, err)
	}
	var out struct {
		Success *bool `json:"success"`
	}
	if err := resp.Decode(op, &out); err != nil {
		return fmt.Errorf("catalog: %s: %w", op, err)
	}
	if out.Success != nil && !*out.Success {
		return fmt.Errorf("catalog: %s: %w", op,
			&platform.ProtocolError{Op: op, Reason: "platform reported success=false", RawBody: resp.Body})
	}
	m.logger.Info("template deleted", zap.String("template", name))
	return nil
}
