package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/signalbox/internal/platform"
)

// fakePlatform serves the three upload endpoints and records what it saw.
type fakePlatform struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	tokenStatus   int
	tokenBody     string
	sessionBody   string
	transferBody  string
	dropTransfers int // close the connection on the first N transfers
	hangTransfer  bool

	tokenCalls    int
	sessionCalls  int
	transferCalls int
	sessionForm   map[string]string
	sessionAuth   string
	transferHdr   http.Header
	transferBytes []byte
	tokenForm     map[string]string
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{
		t:            t,
		tokenStatus:  http.StatusOK,
		tokenBody:    `{"access_token":"short-lived","token_type":"bearer"}`,
		sessionBody:  `{"id":"upload:1"}`,
		transferBody: `{"h":"4::aW1hZ2U="}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/access_token", fp.token)
	mux.HandleFunc("/v22.0/app-1/uploads", fp.session)
	mux.HandleFunc("/v22.0/upload:1", fp.transfer)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePlatform) token(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.tokenCalls++
	_ = r.ParseForm()
	fp.tokenForm = map[string]string{
		"grant_type":    r.PostForm.Get("grant_type"),
		"client_id":     r.PostForm.Get("client_id"),
		"client_secret": r.PostForm.Get("client_secret"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fp.tokenStatus)
	io.WriteString(w, fp.tokenBody)
}

func (fp *fakePlatform) session(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.sessionCalls++
	fp.sessionAuth = r.Header.Get("Authorization")
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fp.sessionForm = map[string]string{
		"file_name":   r.FormValue("file_name"),
		"file_length": r.FormValue("file_length"),
		"file_type":   r.FormValue("file_type"),
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, fp.sessionBody)
}

func (fp *fakePlatform) transfer(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	fp.transferCalls++
	fp.transferHdr = r.Header.Clone()
	fp.transferBytes, _ = io.ReadAll(r.Body)
	drop := fp.transferCalls <= fp.dropTransfers
	hang := fp.hangTransfer
	body := fp.transferBody
	fp.mu.Unlock()

	if hang {
		<-r.Context().Done()
		return
	}
	if drop {
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(fp.t, err)
		conn.Close()
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

type managerSetup struct {
	mgr      *Manager
	stageDir string
	staged   []string
	states   []State
}

func newTestManager(t *testing.T, fp *fakePlatform, mutate func(*ManagerOpts)) *managerSetup {
	t.Helper()
	setup := &managerSetup{stageDir: t.TempDir()}
	opts := ManagerOpts{
		Client:       platform.NewClient(platform.ClientOpts{AccessToken: "long-lived"}),
		BaseURL:      fp.srv.URL,
		APIVersion:   "v22.0",
		AppID:        "app-1",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		StageDir:     setup.stageDir,
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := NewManager(opts)
	require.NoError(t, err)
	mgr.staged = func(p string) { setup.staged = append(setup.staged, p) }
	mgr.observe = func(s Session) { setup.states = append(setup.states, s.State) }
	setup.mgr = mgr
	return setup
}

func assertStageEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "stage directory should be empty")
}

// --- NewManager ---

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerOpts{})
	assert.EqualError(t, err, "upload: client is required")

	c := platform.NewClient(platform.ClientOpts{})
	_, err = NewManager(ManagerOpts{Client: c})
	assert.EqualError(t, err, "upload: base url is required")

	_, err = NewManager(ManagerOpts{Client: c, BaseURL: "http://x"})
	assert.EqualError(t, err, "upload: api version is required")
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(ManagerOpts{
		Client:     platform.NewClient(platform.ClientOpts{}),
		BaseURL:    "https://graph.example.com/",
		APIVersion: "v22.0",
		ClientID:   "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://graph.example.com", m.baseURL)
	assert.Equal(t, "client-1", m.appID, "app id falls back to client id")
	assert.Equal(t, DefaultTransferAttempts, m.attempts)
	assert.Equal(t, int64(DefaultMaxFileBytes), m.maxBytes)
	assert.Equal(t, os.TempDir(), m.stageDir)
}

// --- UploadMedia ---

func TestUploadMedia_Success(t *testing.T) {
	fp := newFakePlatform(t)
	s := newTestManager(t, fp, nil)

	handle, err := s.mgr.UploadMedia(context.Background(), []byte("PNGDATA"), "summer promo (1).png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, MediaHandle("4::aW1hZ2U="), handle)

	// Token phase.
	assert.Equal(t, "client_credentials", fp.tokenForm["grant_type"])
	assert.Equal(t, "client-1", fp.tokenForm["client_id"])
	assert.Equal(t, "secret-1", fp.tokenForm["client_secret"])

	// Session phase.
	assert.Equal(t, "Bearer long-lived", fp.sessionAuth)
	assert.Equal(t, map[string]string{
		"file_name":   "summer_promo__1_.png",
		"file_length": "7",
		"file_type":   "image/png",
	}, fp.sessionForm)

	// Transfer phase.
	assert.Equal(t, "OAuth short-lived", fp.transferHdr.Get("Authorization"))
	assert.Equal(t, []string{"0"}, fp.transferHdr.Values("File_offset"))
	assert.Equal(t, "image/png", fp.transferHdr.Get("Content-Type"))
	assert.Equal(t, []byte("PNGDATA"), fp.transferBytes)

	assert.Equal(t, []State{StateCreated, StateTransferring, StateCompleted}, s.states)
	require.Len(t, s.staged, 1)
	assert.Equal(t, s.stageDir, filepath.Dir(s.staged[0]))
	assert.True(t, strings.HasSuffix(s.staged[0], "summer_promo__1_.png"))
	assertStageEmpty(t, s.stageDir)
}

func TestUploadFile_Reader(t *testing.T) {
	fp := newFakePlatform(t)
	s := newTestManager(t, fp, nil)

	handle, err := s.mgr.UploadFile(context.Background(), strings.NewReader("%PDF-1.7"), "menu.pdf", "application/pdf")
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, "8", fp.sessionForm["file_length"])
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_InvalidInput(t *testing.T) {
	fp := newFakePlatform(t)
	s := newTestManager(t, fp, func(o *ManagerOpts) { o.MaxFileBytes = 4 })

	tests := []struct {
		name     string
		data     []byte
		fileName string
		mime     string
	}{
		{"empty payload", nil, "a.png", "image/png"},
		{"blank name", []byte("x"), "  ", "image/png"},
		{"blank mime", []byte("x"), "a.png", ""},
		{"too large", []byte("12345"), "a.png", "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.mgr.UploadMedia(context.Background(), tt.data, tt.fileName, tt.mime)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, fp.tokenCalls, "invalid input never reaches the Platform")
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_MissingSessionID(t *testing.T) {
	fp := newFakePlatform(t)
	fp.sessionBody = `{"status":"ok"}`
	s := newTestManager(t, fp, nil)

	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	var pe *platform.ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Contains(t, err.Error(), "session phase")
	assert.Zero(t, fp.transferCalls, "no transfer without a session id")
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_MissingHandle(t *testing.T) {
	fp := newFakePlatform(t)
	fp.transferBody = `{}`
	s := newTestManager(t, fp, nil)

	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	var pe *platform.ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 1, fp.transferCalls, "protocol errors are not retried")
	assert.Equal(t, []State{StateCreated, StateTransferring, StateFailed}, s.states)
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_TransferDropRestartsWithNewSession(t *testing.T) {
	fp := newFakePlatform(t)
	fp.dropTransfers = 1
	s := newTestManager(t, fp, nil)

	handle, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, 2, fp.tokenCalls, "each attempt fetches a fresh token")
	assert.Equal(t, 2, fp.sessionCalls, "each attempt opens a fresh session")
	assert.Equal(t, 2, fp.transferCalls)
	assert.Equal(t, []string{"0"}, fp.transferHdr.Values("File_offset"))
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_TransferDropExhaustsAttempts(t *testing.T) {
	fp := newFakePlatform(t)
	fp.dropTransfers = 10
	s := newTestManager(t, fp, func(o *ManagerOpts) { o.TransferAttempts = 3 })

	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	require.Error(t, err)
	assert.True(t, platform.IsRetryable(err))
	assert.Contains(t, err.Error(), "transfer phase")
	assert.Equal(t, 3, fp.sessionCalls)
	assertStageEmpty(t, s.stageDir)
}

func TestUploadMedia_TimeoutRemovesStageFile(t *testing.T) {
	fp := newFakePlatform(t)
	fp.hangTransfer = true
	s := newTestManager(t, fp, func(o *ManagerOpts) { o.TransferAttempts = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.mgr.UploadMedia(ctx, []byte("data"), "a.png", "image/png")
	require.Error(t, err)
	assert.True(t, platform.IsTimeout(err), "err = %v", err)
	require.Len(t, s.staged, 1)
	_, statErr := os.Stat(s.staged[0])
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

// --- Token phase ---

func TestUploadMedia_MissingCredentials(t *testing.T) {
	fp := newFakePlatform(t)

	s := newTestManager(t, fp, func(o *ManagerOpts) { o.ClientSecret = "" })
	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	var ce *platform.ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "platform.client_secret", ce.Field)
	assert.Zero(t, fp.tokenCalls)

	s = newTestManager(t, fp, func(o *ManagerOpts) {
		o.Client = platform.NewClient(platform.ClientOpts{})
	})
	_, err = s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "platform.access_token", ce.Field)
	assert.Zero(t, fp.sessionCalls)
}

func TestUploadMedia_TokenRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized is configuration", http.StatusUnauthorized, func(t *testing.T, err error) {
			var ce *platform.ConfigurationError
			assert.True(t, errors.As(err, &ce), "got %T", err)
		}},
		{"bad request is configuration", http.StatusBadRequest, func(t *testing.T, err error) {
			var ce *platform.ConfigurationError
			assert.True(t, errors.As(err, &ce), "got %T", err)
		}},
		{"server error is remote", http.StatusInternalServerError, func(t *testing.T, err error) {
			var re *platform.RemoteError
			require.True(t, errors.As(err, &re), "got %T", err)
			assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePlatform(t)
			fp.tokenStatus = tt.status
			fp.tokenBody = `{"error":"invalid_client","error_description":"bad secret"}`
			s := newTestManager(t, fp, nil)

			_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
			require.Error(t, err)
			tt.check(t, err)
			assert.Contains(t, err.Error(), "token phase")
			assert.Zero(t, fp.sessionCalls)
			assertStageEmpty(t, s.stageDir)
		})
	}
}

func TestUploadMedia_TokenMissingAccessToken(t *testing.T) {
	fp := newFakePlatform(t)
	fp.tokenBody = `{"token_type":"bearer"}`
	s := newTestManager(t, fp, nil)

	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	var pe *platform.ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Zero(t, fp.sessionCalls)
}

func TestUploadMedia_TokenTransportFailureNotRetried(t *testing.T) {
	fp := newFakePlatform(t)
	s := newTestManager(t, fp, nil)
	fp.srv.Close()

	_, err := s.mgr.UploadMedia(context.Background(), []byte("data"), "a.png", "image/png")
	require.Error(t, err)
	assert.True(t, platform.IsRetryable(err))
	assert.Contains(t, err.Error(), "token phase")
	assertStageEmpty(t, s.stageDir)
}

// --- Helpers ---

func TestSanitizeFileName(t *testing.T) {
	tests := map[string]string{
		"promo.png":            "promo.png",
		"summer promo (1).png": "summer_promo__1_.png",
		"../etc/passwd":        ".._etc_passwd",
		"menü-2024_v1.pdf":     "men_-2024_v1.pdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFileName(in), in)
	}
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StateCreated.Terminal())
	assert.False(t, StateTransferring.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}
