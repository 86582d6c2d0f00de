package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mlatt/aviary/pkg/agent"
	"github.com/mlatt/aviary/pkg/session"
	"github.com/mlatt/aviary/pkg/store"
	"github.com/mlatt/aviary/pkg/tools"
	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// stubService scripts ProcessQuery responses
type stubService struct {
	manager *session.Manager
	resp    *agent.Response
	err     error
	lastReq agent.QueryRequest
}

func (s *stubService) ProcessQuery(ctx context.Context, req agent.QueryRequest) (*agent.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubService) Sessions() *session.Manager {
	return s.manager
}

func newTestServer(t *testing.T, stub *stubService, opts ...func(*Options)) *Server {
	t.Helper()

	if stub.manager == nil {
		stub.manager = session.NewManager(time.Hour, zerolog.Nop())
		t.Cleanup(stub.manager.Close)
	}

	options := Options{
		Service: stub,
		Logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	srv, err := NewServer(options)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleQuery(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		stub := &stubService{resp: &agent.Response{
			Response: "Posted your tweet.",
			ActionsTaken: []agent.ActionRecord{
				{Tool: "post_tweet", Input: map[string]interface{}{"text": "hi"}, Output: map[string]interface{}{"id": "t1"}, Success: true},
			},
		}}
		srv := newTestServer(t, stub)

		rec := doJSON(t, srv.Handler(), http.MethodPost, "/agent/query",
			agent.QueryRequest{Query: "post hi", UserID: 1})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp agent.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Posted your tweet.", resp.Response)
		require.Len(t, resp.ActionsTaken, 1)
		assert.Equal(t, "post_tweet", resp.ActionsTaken[0].Tool)
		assert.Equal(t, int64(1), stub.lastReq.UserID)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/agent/query", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})

		req := httptest.NewRequest(http.MethodPost, "/agent/query", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingQuery", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/agent/query",
			agent.QueryRequest{UserID: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingIdentity", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/agent/query",
			agent.QueryRequest{Query: "hi"})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.Error, "user_id or twitter_user_id")
	})

	t.Run("ServiceError", func(t *testing.T) {
		stub := &stubService{err: errors.New("query cannot be empty")}
		srv := newTestServer(t, stub)
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/agent/query",
			agent.QueryRequest{Query: "hi", UserID: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RequestIDGenerated", func(t *testing.T) {
		stub := &stubService{resp: &agent.Response{Response: "ok"}}
		srv := newTestServer(t, stub)
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/agent/query",
			agent.QueryRequest{Query: "hi", UserID: 1})
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})
}

func TestHandleSessions(t *testing.T) {
	stub := &stubService{}
	srv := newTestServer(t, stub)

	factory := func(ctx context.Context, key string) (twitter.Client, *tools.Registry, error) {
		mock := twitter.NewMockClient("")
		registry, err := tools.NewTwitterRegistry(mock, zerolog.Nop())
		return mock, registry, err
	}
	_, err := stub.manager.Acquire(context.Background(), "user_1", factory)
	require.NoError(t, err)

	t.Run("List", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/agent/sessions", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Sessions []string `json:"sessions"`
			Count    int      `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"user_1"}, body.Sessions)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("DetailExisting", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/agent/sessions/user_1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body sessionBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "user_1", body.Key)
		assert.False(t, body.CreatedAt.IsZero())
		assert.False(t, body.LastAccess.IsZero())
		assert.Equal(t, 0, body.Turns)
	})

	t.Run("DetailMissing", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/agent/sessions/user_404", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("DeleteExisting", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodDelete, "/agent/sessions/user_1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, stub.manager.Len())
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodDelete, "/agent/sessions/user_404", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandleLogin(t *testing.T) {
	t.Run("RedirectsWithPKCE", func(t *testing.T) {
		oauthCfg := twitter.OAuthConfig("client-id", "secret", "http://localhost:8000/auth/callback", []string{"tweet.read"})
		srv := newTestServer(t, &stubService{}, func(o *Options) {
			o.OAuth = oauthCfg
		})

		rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/login", nil)
		require.Equal(t, http.StatusFound, rec.Code)

		location := rec.Header().Get("Location")
		assert.Contains(t, location, "code_challenge=")
		assert.Contains(t, location, "code_challenge_method=S256")
		assert.Contains(t, location, "state=")
		assert.Contains(t, location, "client_id=client-id")
	})

	t.Run("UnconfiguredOAuth", func(t *testing.T) {
		srv := newTestServer(t, &stubService{})
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/login", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleCallback(t *testing.T) {
	t.Run("UnknownState", func(t *testing.T) {
		oauthCfg := twitter.OAuthConfig("client-id", "secret", "http://localhost:8000/auth/callback", nil)
		srv := newTestServer(t, &stubService{}, func(o *Options) {
			o.OAuth = oauthCfg
			o.Store = openTestStore(t)
		})

		rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/callback?state=bogus&code=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("DeniedAuthorization", func(t *testing.T) {
		oauthCfg := twitter.OAuthConfig("client-id", "secret", "http://localhost:8000/auth/callback", nil)
		srv := newTestServer(t, &stubService{}, func(o *Options) {
			o.OAuth = oauthCfg
			o.Store = openTestStore(t)
		})

		rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/callback?error=access_denied", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("FullExchange", func(t *testing.T) {
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":7200}`)
		}))
		defer tokenServer.Close()

		apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/2/users/me", r.URL.Path)
			assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"data":{"id":"42","username":"codemonkey","name":"Code Monkey"}}`)
		}))
		defer apiServer.Close()

		oauthCfg := &oauth2.Config{
			ClientID:    "client-id",
			RedirectURL: "http://localhost:8000/auth/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:   tokenServer.URL + "/authorize",
				TokenURL:  tokenServer.URL + "/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}

		st := openTestStore(t)
		srv := newTestServer(t, &stubService{}, func(o *Options) {
			o.OAuth = oauthCfg
			o.Store = st
			o.TwitterBaseURL = apiServer.URL
		})

		// Walk through login first so a pending state exists.
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/login", nil)
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := rec.Result().Location()
		require.NoError(t, err)
		state := loc.Query().Get("state")
		require.NotEmpty(t, state)

		rec = doJSON(t, srv.Handler(), http.MethodGet, "/auth/callback?state="+state+"&code=auth-code", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body authCallbackBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "42", body.TwitterUserID)
		assert.Equal(t, "codemonkey", body.Username)

		tok, err := st.TokenByTwitterUserID(context.Background(), "42")
		require.NoError(t, err)
		assert.Equal(t, "at-1", tok.AccessToken)
		assert.Equal(t, "rt-1", tok.RefreshToken)
		assert.True(t, tok.IsActive)

		// States are single-use.
		rec = doJSON(t, srv.Handler(), http.MethodGet, "/auth/callback?state="+state+"&code=auth-code", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(t.TempDir()+"/aviary.db", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	srv.shutdownMu.Lock()
	srv.isShuttingDown = true
	srv.shutdownMu.Unlock()

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
