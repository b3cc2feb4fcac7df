package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer is a scripted backend: refreshFn answers /token/refresh/ and
// resourceFn answers everything else. Both count their calls.
type apiServer struct {
	*httptest.Server
	refreshCalls  int32
	resourceCalls int32
	refreshFn     func(w http.ResponseWriter, r *http.Request)
	resourceFn    func(w http.ResponseWriter, r *http.Request, call int32)
}

func newAPIServer(t *testing.T) *apiServer {
	s := &apiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			atomic.AddInt32(&s.refreshCalls, 1)
			s.refreshFn(w, r)
			return
		}
		call := atomic.AddInt32(&s.resourceCalls, 1)
		s.resourceFn(w, r, call)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) baseURL() string { return s.URL + "/api" }

func refreshOK(token string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RefreshResponse{Access: token})
	}
}

func refreshRejected(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"detail":"Token is invalid or expired","code":"token_not_valid"}`))
}

// unauthorizedUnless returns 401 unless the request carries want
func unauthorizedUnless(want string) func(w http.ResponseWriter, r *http.Request, call int32) {
	return func(w http.ResponseWriter, r *http.Request, call int32) {
		if r.Header.Get("Authorization") != "Bearer "+want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}
}

func countEvents(bus *EventBus) *int32 {
	var n int32
	bus.Subscribe(EventSessionExpired, func(Event) { atomic.AddInt32(&n, 1) })
	return &n
}

func TestExecute_AttachesBearer(t *testing.T) {
	var got string
	srv := newAPIServer(t)
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		got = r.Header.Get("Authorization")
	}

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store)

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer T1", got)
}

func TestExecute_NoBearerWithoutToken(t *testing.T) {
	got := "unset"
	srv := newAPIServer(t)
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		got = r.Header.Get("Authorization")
	}

	c := NewAuthClient(srv.baseURL(), NewMemoryStore())
	resp, err := c.Execute(context.Background(), "/global-stats/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "", got)
}

func TestExecute_KeepsCallerHeaders(t *testing.T) {
	var gotCT, gotLang, gotAuth string
	srv := newAPIServer(t)
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		gotCT = r.Header.Get("Content-Type")
		gotLang = r.Header.Get("Accept-Language")
		gotAuth = r.Header.Get("Authorization")
	}

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store)

	resp, err := c.Execute(context.Background(), "/answer/", RequestOptions{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/json"}, "Accept-Language": {"zh"}},
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "zh", gotLang)
	assert.Equal(t, "Bearer T1", gotAuth)
}

func TestExecute_RefreshAndRetry(t *testing.T) {
	var bodies []string
	var auths []string
	srv := newAPIServer(t)
	srv.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		var req RefreshRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "R1", req.Refresh)
		json.NewEncoder(w).Encode(RefreshResponse{Access: "T2"})
	}
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, r.Method+" "+string(b))
		auths = append(auths, r.Header.Get("Authorization"))
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("second"))
	}

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	bus := NewEventBus()
	events := countEvents(bus)
	c := NewAuthClient(srv.baseURL(), store, WithNotifier(bus))

	resp, err := c.Execute(context.Background(), "/answer/", RequestOptions{
		Method: http.MethodPost,
		Body:   []byte(`{"selected_slug":"husky"}`),
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "second", string(body))

	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.resourceCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.refreshCalls))
	assert.Equal(t, []string{"Bearer T1", "Bearer T2"}, auths)
	assert.Equal(t, []string{`POST {"selected_slug":"husky"}`, `POST {"selected_slug":"husky"}`}, bodies)
	assert.Equal(t, int32(0), atomic.LoadInt32(events))

	cred, _ := store.Get()
	assert.Equal(t, "T2", cred.AccessToken)
	assert.Equal(t, "R1", cred.RefreshToken)
}

func TestExecute_RetryHappensOnlyOnce(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshOK("T2")
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store)

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	// The retry's 401 is handed back as-is
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.resourceCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.refreshCalls))
}

func TestExecute_RefreshRejected(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshRejected
	srv.resourceFn = unauthorizedUnless("never")

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	bus := NewEventBus()
	events := countEvents(bus)
	c := NewAuthClient(srv.baseURL(), store, WithNotifier(bus))

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, ErrSessionExpired))
	assert.True(t, errors.Is(err, ErrRefreshRejected))

	cred, _ := store.Get()
	assert.Nil(t, cred)
	assert.False(t, store.IsAuthenticated())
	assert.Equal(t, int32(1), atomic.LoadInt32(events))
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.resourceCalls))
}

func TestExecute_401WithEmptyStore(t *testing.T) {
	srv := newAPIServer(t)
	srv.resourceFn = unauthorizedUnless("never")

	store := NewMemoryStore()
	bus := NewEventBus()
	events := countEvents(bus)
	c := NewAuthClient(srv.baseURL(), store, WithNotifier(bus))

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(events))
	assert.Equal(t, int32(0), atomic.LoadInt32(&srv.refreshCalls))

	err = CheckResponse(resp)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestExecute_401WithAccessTokenOnly(t *testing.T) {
	srv := newAPIServer(t)
	srv.resourceFn = unauthorizedUnless("never")

	store := NewMemoryStore()
	require.NoError(t, store.SetAccessToken("T1"))
	bus := NewEventBus()
	events := countEvents(bus)
	c := NewAuthClient(srv.baseURL(), store, WithNotifier(bus))

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(events))
	assert.False(t, store.IsAuthenticated())
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.resourceCalls))
}

func TestExecute_OtherStatusesUntouched(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := newAPIServer(t)
			srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"nope"}`))
			}

			store := NewMemoryStore()
			require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
			c := NewAuthClient(srv.baseURL(), store)

			resp, err := c.Execute(context.Background(), "/question/", RequestOptions{Method: http.MethodPost})
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)

			err = CheckResponse(resp)
			var he *HTTPError
			require.True(t, errors.As(err, &he))
			assert.Equal(t, status, he.StatusCode)
			assert.JSONEq(t, `{"error":"nope"}`, string(he.Body))
			assert.Equal(t, int32(0), atomic.LoadInt32(&srv.refreshCalls))
			assert.True(t, store.IsAuthenticated())
		})
	}
}

func TestExecute_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(url+"/api", store)

	_, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.Error(t, err)
	var ne *NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.True(t, store.IsAuthenticated())
}

func TestExecute_EndToEnd_UserMe(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshOK("T2")
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		assert.Equal(t, "/api/user/me/", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nickname":"Rex"}`))
	}

	// Only a refresh token survives, e.g. the access token was dropped
	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store)

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		Nickname string `json:"nickname"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "Rex", me.Nickname)

	cred, _ := store.Get()
	assert.Equal(t, "T2", cred.AccessToken)
}

func TestExecute_ConcurrentRefreshIsShared(t *testing.T) {
	release := make(chan struct{})
	srv := newAPIServer(t)
	srv.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(RefreshResponse{Access: "T2"})
	}
	srv.resourceFn = unauthorizedUnless("T2")

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store)

	const n = 5
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
			if assert.NoError(t, err) {
				codes[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}

	// Let every call reach its 401 before the refresh answers
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&srv.resourceCalls) >= n && atomic.LoadInt32(&srv.refreshCalls) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.refreshCalls))
}

func TestExecute_ConcurrentRejectionBroadcastsOnce(t *testing.T) {
	release := make(chan struct{})
	srv := newAPIServer(t)
	srv.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		<-release
		refreshRejected(w, r)
	}
	srv.resourceFn = unauthorizedUnless("never")

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	bus := NewEventBus()
	events := countEvents(bus)
	c := NewAuthClient(srv.baseURL(), store, WithNotifier(bus))

	const n = 3
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&srv.resourceCalls) >= n
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(events))
	assert.False(t, store.IsAuthenticated())
}

func TestExecute_WithoutSingleFlight(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshOK("T2")
	srv.resourceFn = unauthorizedUnless("T2")

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	c := NewAuthClient(srv.baseURL(), store, WithSingleFlight(false))

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.refreshCalls))
}

func TestExecute_StaleTokenRetriesWithoutRefresh(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))

	srv := newAPIServer(t)
	srv.refreshFn = refreshOK("unexpected")
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		if call == 1 {
			// Another caller refreshed while this request was in flight
			store.SetAccessToken("T2")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		unauthorizedUnless("T2")(w, r, call)
	}
	c := NewAuthClient(srv.baseURL(), store)

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&srv.refreshCalls))
}

func TestExecute_Metrics(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshOK("T2")
	srv.resourceFn = unauthorizedUnless("T2")

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewAuthClient(srv.baseURL(), store, WithMetrics(m))

	resp, err := c.Execute(context.Background(), "/user/me/", RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionExpired))
}

func TestRefresher_NoRefreshToken(t *testing.T) {
	r := NewRefresher(NewMemoryStore(), nil, "http://127.0.0.1:1/token/refresh/")
	_, err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestRefresher_RejectedClearsStore(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = refreshRejected

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	r := NewRefresher(store, nil, srv.baseURL()+DefaultRefreshEndpoint)

	_, err := r.Refresh(context.Background())
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.False(t, store.IsAuthenticated())
}

func TestRefresher_IgnoresRotatedRefreshToken(t *testing.T) {
	srv := newAPIServer(t)
	srv.refreshFn = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access":"T2","refresh":"R2"}`))
	}

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	r := NewRefresher(store, nil, srv.baseURL()+DefaultRefreshEndpoint)

	token, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T2", token)

	cred, _ := store.Get()
	assert.Equal(t, "R1", cred.RefreshToken)
}

func TestRefresher_NetworkFailureKeepsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Set(&Credentials{AccessToken: "T1", RefreshToken: "R1"}))
	r := NewRefresher(store, nil, url+DefaultRefreshEndpoint)

	_, err := r.Refresh(context.Background())
	var ne *NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.True(t, store.IsAuthenticated())
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (b *closeTracker) Close() error {
	b.closed.Store(true)
	return nil
}

func TestExecute_ClosesBodyWithGetBody(t *testing.T) {
	srv := newAPIServer(t)
	srv.resourceFn = func(w http.ResponseWriter, r *http.Request, call int32) {
		data, _ := io.ReadAll(r.Body)
		w.Write(data)
	}

	c := NewAuthClient(srv.baseURL(), NewMemoryStore())
	body := &closeTracker{Reader: strings.NewReader(`{"a":1}`)}
	req, err := http.NewRequest(http.MethodPost, c.URL("/answer/"), body)
	require.NoError(t, err)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{"a":1}`)), nil
	}

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"a":1}`, string(got))
	assert.True(t, body.closed.Load())
}
