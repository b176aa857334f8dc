// Package upload implements the Platform's three-phase resumable upload
// protocol: a client-credentials token exchange, upload session creation,
// and an offset-based binary transfer that yields an opaque media handle.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/platform"
)

// DefaultTransferAttempts is how many sessions one upload may open when the
// byte transfer keeps failing at the network level.
const DefaultTransferAttempts = 2

// DefaultMaxFileBytes bounds a single upload.
const DefaultMaxFileBytes = 100 << 20

// ErrInvalidInput is returned for empty payloads, names or MIME types, and
// for files above the size limit.
var ErrInvalidInput = errors.New("upload: invalid input")

// MediaHandle is the opaque reference the Platform returns for uploaded
// bytes. It is used once, inside a template component.
type MediaHandle string

// State is the lifecycle of one upload session.
type State string

const (
	StateCreated      State = "created"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is one Platform upload session. Sessions are never reused: every
// attempt performs a fresh handshake.
type Session struct {
	ID       string
	FileName string
	FileSize int64
	MimeType string
	State    State
	Offset   int64 // bytes the Platform has confirmed
}

// Manager runs uploads against the Platform.
type Manager struct {
	client       *platform.Client
	baseURL      string
	version      string
	appID        string
	clientID     string
	clientSecret string
	stageDir     string
	attempts     int
	maxBytes     int64
	logger       *zap.Logger

	// observe, when set, sees every session state transition (tests).
	observe func(Session)
	// staged, when set, receives the stage file path once written (tests).
	staged func(path string)
}

// ManagerOpts holds parameters for creating a Manager. Credentials are
// checked when an upload runs so that a misconfigured account surfaces as a
// ConfigurationError from the token phase.
type ManagerOpts struct {
	Client           *platform.Client
	BaseURL          string // e.g. https://graph.facebook.com
	APIVersion       string // e.g. v22.0
	AppID            string // owner of upload sessions
	ClientID         string
	ClientSecret     string
	StageDir         string // defaults to os.TempDir()
	TransferAttempts int    // defaults to DefaultTransferAttempts
	MaxFileBytes     int64  // defaults to DefaultMaxFileBytes
	Logger           *zap.Logger
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("upload: client is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("upload: base url is required")
	}
	if opts.APIVersion == "" {
		return nil, fmt.Errorf("upload: api version is required")
	}
	attempts := opts.TransferAttempts
	if attempts <= 0 {
		attempts = DefaultTransferAttempts
	}
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	stageDir := opts.StageDir
	if stageDir == "" {
		stageDir = os.TempDir()
	}
	appID := opts.AppID
	if appID == "" {
		appID = opts.ClientID
	}
	return &Manager{
		client:       opts.Client,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		version:      opts.APIVersion,
		appID:        appID,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		stageDir:     stageDir,
		attempts:     attempts,
		maxBytes:     maxBytes,
		logger:       logging.OrNop(opts.Logger).Named("upload"),
	}, nil
}

// UploadMedia stages data, runs the upload protocol, and returns the media
// handle. The stage file is removed before UploadMedia returns.
func (m *Manager) UploadMedia(ctx context.Context, data []byte, fileName, mimeType string) (MediaHandle, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return m.UploadFile(ctx, bytes.NewReader(data), fileName, mimeType)
}

// UploadFile is UploadMedia for a reader. The reader is copied to the stage
// file first so the declared length is exact.
func (m *Manager) UploadFile(ctx context.Context, r io.Reader, fileName, mimeType string) (MediaHandle, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(mimeType) == "" {
		return "", fmt.Errorf("%w: mime type is required", ErrInvalidInput)
	}
	name := SanitizeFileName(fileName)

	path, size, err := m.stage(r, name)
	if path != "" {
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				m.logger.Warn("remove stage file", zap.String("path", path), zap.Error(rmErr))
			}
		}()
	}
	if err != nil {
		return "", err
	}
	if m.staged != nil {
		m.staged(path)
	}

	for attempt := 1; ; attempt++ {
		handle, ph, err := m.attempt(ctx, path, name, size, mimeType)
		if err == nil {
			return handle, nil
		}
		if ph != phaseTransfer || !platform.IsRetryable(err) || attempt >= m.attempts || ctx.Err() != nil {
			return "", fmt.Errorf("upload: %s phase: %w", ph, err)
		}
		// The failed session is discarded; the next attempt opens a new one
		// and resends from offset 0.
		m.logger.Warn("transfer failed, restarting with a new session",
			zap.String("file", name), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// stage copies r to a uniquely named file in the stage directory. The
// returned path is non-empty whenever a file was created, even on error.
func (m *Manager) stage(r io.Reader, name string) (string, int64, error) {
	f, err := os.CreateTemp(m.stageDir, "sb-upload-*-"+name)
	if err != nil {
		return "", 0, fmt.Errorf("upload: create stage file: %w", err)
	}
	path := f.Name()
	n, copyErr := io.Copy(f, io.LimitReader(r, m.maxBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		return path, 0, fmt.Errorf("upload: write stage file: %w", copyErr)
	case closeErr != nil:
		return path, 0, fmt.Errorf("upload: close stage file: %w", closeErr)
	case n == 0:
		return path, 0, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	case n > m.maxBytes:
		return path, 0, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, m.maxBytes)
	}
	return path, n, nil
}

type phase string

const (
	phaseToken    phase = "token"
	phaseSession  phase = "session"
	phaseTransfer phase = "transfer"
)

// attempt runs all three phases once against a fresh session.
func (m *Manager) attempt(ctx context.Context, path, name string, size int64, mimeType string) (MediaHandle, phase, error) {
	token, err := m.fetchToken(ctx)
	if err != nil {
		return "", phaseToken, err
	}

	sess, err := m.createSession(ctx, name, size, mimeType)
	if err != nil {
		return "", phaseSession, err
	}
	m.transition(sess, StateCreated)
	m.logger.Debug("upload session created", zap.String("session_id", sess.ID), zap.Int64("size", size))

	handle, err := m.transfer(ctx, sess, token, path)
	if err != nil {
		m.transition(sess, StateFailed)
		return "", phaseTransfer, err
	}
	m.transition(sess, StateCompleted)
	m.logger.Info("upload completed", zap.String("session_id", sess.ID), zap.String("file", name))
	return handle, phaseTransfer, nil
}

func (m *Manager) transition(s *Session, to State) {
	if s.State.Terminal() {
		return
	}
	s.State = to
	if m.observe != nil {
		m.observe(*s)
	}
}

// createSession declares the file to the Platform and returns the session.
func (m *Manager) createSession(ctx context.Context, name string, size int64, mimeType string) (*Session, error) {
	if !m.client.HasAccessToken() {
		return nil, platform.Missing("platform.access_token")
	}
	if m.appID == "" {
		return nil, platform.Missing("platform.app_id")
	}

	var form bytes.Buffer
	w := multipart.NewWriter(&form)
	fields := [][2]string{
		{"file_name", name},
		{"file_length", strconv.FormatInt(size, 10)},
		{"file_type", mimeType},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	op := "create upload session"
	resp, err := m.client.Send(ctx, platform.Request{
		Method:        http.MethodPost,
		URL:           fmt.Sprintf("%s/%s/%s/uploads", m.baseURL, m.version, m.appID),
		Header:        http.Header{"Content-Type": {w.FormDataContentType()}},
		Body:          &form,
		ContentLength: int64(form.Len()),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(op, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &platform.ProtocolError{Op: op, Reason: "response has no session id", RawBody: resp.Body}
	}
	return &Session{ID: out.ID, FileName: name, FileSize: size, MimeType: mimeType}, nil
}

// transfer streams the staged file to the session starting at sess.Offset.
func (m *Manager) transfer(ctx context.Context, sess *Session, token, path string) (MediaHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open stage file: %w", err)
	}
	defer f.Close()
	if sess.Offset > 0 {
		if _, err := f.Seek(sess.Offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek stage file: %w", err)
		}
	}
	m.transition(sess, StateTransferring)

	op := "transfer upload"
	resp, err := m.client.Send(ctx, platform.Request{
		Method:        http.MethodPost,
		URL:           fmt.Sprintf("%s/%s/%s", m.baseURL, m.version, sess.ID),
		Authorization: "OAuth " + token,
		Header: http.Header{
			"file_offset":  {strconv.FormatInt(sess.Offset, 10)},
			"Content-Type": {sess.MimeType},
		},
		Body:          f,
		ContentLength: sess.FileSize - sess.Offset,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		H string `json:"h"`
	}
	if err := resp.Decode(op, &out); err != nil {
		return "", err
	}
	if out.H == "" {
		return "", &platform.ProtocolError{Op: op, Reason: "response has no media handle", RawBody: resp.Body}
	}
	sess.Offset = sess.FileSize
	return MediaHandle(out.H), nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFileName replaces every character outside [A-Za-z0-9._-] with an
// underscore. The result is what the session declares as file_name.
func SanitizeFileName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}
