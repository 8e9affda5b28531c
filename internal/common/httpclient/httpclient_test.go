package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/console/internal/common/apperrors"
	"github.com/tansive/console/internal/consoletest"
	"github.com/tansive/console/internal/notify"
	"github.com/tansive/console/internal/query"
)

type staticConfig struct {
	url   string
	token string
}

func (c *staticConfig) GetServerURL() string { return c.url }
func (c *staticConfig) GetToken() string     { return c.token }

type fakeSession struct {
	invalidated atomic.Int32
}

func (f *fakeSession) Invalidate() { f.invalidated.Add(1) }

type fakeNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeNavigator) Navigate(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, p)
}

func (f *fakeNavigator) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fixture struct {
	srv     *consoletest.Server
	client  *HTTPClient
	notices *notify.Channel
	session *fakeSession
	nav     *fakeNavigator
	config  *staticConfig
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	srv := consoletest.New()
	t.Cleanup(srv.Close)

	f := &fixture{
		srv:     srv,
		notices: notify.New(notify.WithDuration(time.Hour)),
		session: &fakeSession{},
		nav:     &fakeNavigator{},
		config:  &staticConfig{url: srv.URL, token: srv.IssueToken("root")},
	}
	t.Cleanup(f.notices.Close)

	opts = append([]Option{WithNotifier(f.notices), WithNavigator(f.nav)}, opts...)
	f.client = NewClient(f.config, opts...)
	f.client.SetInvalidator(f.session)
	t.Cleanup(f.client.Shutdown)
	return f
}

func TestSendNonSuccessStatus(t *testing.T) {
	statuses := []int{http.StatusMultipleChoices, http.StatusFound, http.StatusBadRequest,
		http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError, http.StatusServiceUnavailable, 599}

	for _, status := range statuses {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			f := newFixture(t)
			f.srv.Handle(http.MethodGet, "/api/status", func(w http.ResponseWriter, r *http.Request) {
				if status == http.StatusFound {
					w.Header().Set("Location", "/login")
				}
				// a valid success envelope must not matter
				consoletest.WriteEnvelope(w, status, "", "ignored")
			})

			_, err := f.client.Get(context.Background(), "/api/status", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransport)
			assert.ErrorIs(t, err, ErrRequest)
			assert.Equal(t, status, apperrors.StatusCode(err))

			active := f.notices.Active()
			require.Len(t, active, 1, "exactly one notice per transport failure")
			if text := http.StatusText(status); text != "" {
				assert.Equal(t, text, active[0].Message)
			} else {
				assert.Equal(t, fmt.Sprintf("HTTP %d", status), active[0].Message)
			}
			assert.Equal(t, int32(0), f.session.invalidated.Load())
		})
	}
}

func TestSendUnauthorizedEnvelope(t *testing.T) {
	f := newFixture(t, WithLoginPath("/signin"))
	f.srv.ExpireTokens()

	_, err := f.client.Get(context.Background(), consoletest.UsersPath, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrApplication)
	assert.Equal(t, 0, f.notices.Len(), "unauthorized must not raise a notice")
	assert.Equal(t, int32(1), f.session.invalidated.Load())
	assert.Equal(t, []string{"/signin"}, f.nav.Paths())
}

func TestConcurrentUnauthorizedRaisesNoNotices(t *testing.T) {
	f := newFixture(t)
	f.srv.ExpireTokens()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.client.Get(context.Background(), consoletest.HostsPath, nil)
			assert.ErrorIs(t, err, ErrUnauthorized)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, f.notices.Len())
	assert.Equal(t, int32(10), f.session.invalidated.Load())
}

func TestSendApplicationError(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(http.MethodPost, "/api/hosts/tags", func(w http.ResponseWriter, r *http.Request) {
		consoletest.WriteEnvelope(w, http.StatusOK, "tag already exists", nil)
	})

	_, err := f.client.Post(context.Background(), "/api/hosts/tags", map[string]any{"tag": "env=prod"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Equal(t, "tag already exists", err.Error())
	active := f.notices.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "tag already exists", active[0].Message)

	_, err = f.client.Send(context.Background(), RequestOptions{
		Method:         http.MethodPost,
		Path:           "/api/hosts/tags",
		SuppressNotice: true,
	})
	assert.ErrorIs(t, err, ErrApplication)
	assert.Equal(t, 1, f.notices.Len(), "suppressed application error adds no notice")
	assert.Equal(t, int32(0), f.session.invalidated.Load())
}

func TestSendShapes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.client.Get(ctx, consoletest.UsersPath, query.Query{"limit": 10, "p": 1})
	require.NoError(t, err)
	assert.Equal(t, ShapePaginated, res.Shape)
	assert.Equal(t, 25, res.Total)
	require.Len(t, res.Records, 10)
	assert.Equal(t, "1", res.Records[0].ID())

	res, err = f.client.Get(ctx, consoletest.TeamsPath, nil)
	require.NoError(t, err)
	assert.Equal(t, ShapeUnpaginated, res.Shape)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 0, res.Total)

	res, err = f.client.Get(ctx, consoletest.ProfilePath, nil)
	require.NoError(t, err)
	assert.Equal(t, ShapeValue, res.Shape)
	var profile struct {
		Username string `json:"username"`
		IsRoot   int    `json:"is_root"`
	}
	require.NoError(t, res.Decode(&profile))
	assert.Equal(t, "root", profile.Username)
	assert.Equal(t, 1, profile.IsRoot)
}

func TestSendScalarArrayRecords(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(http.MethodGet, "/api/tags", func(w http.ResponseWriter, r *http.Request) {
		consoletest.WriteEnvelope(w, http.StatusOK, "", []any{"env=prod", "team=sre"})
	})
	res, err := f.client.Get(context.Background(), "/api/tags", nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "env=prod", res.Records[0]["value"])
	assert.Equal(t, "", res.Records[0].ID())
}

func TestSendRequestShape(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Send(context.Background(), RequestOptions{
		Path:    consoletest.HostsPath,
		Query:   query.Query{"limit": 5, "p": 2, "batch": "b1", "field": nil},
		Headers: map[string]string{"Content-Type": "text/plain", "X-Extra": "1"},
	})
	require.NoError(t, err)

	req, ok := f.srv.LastRequest(consoletest.HostsPath)
	require.True(t, ok)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "5", req.Query.Get("limit"))
	assert.Equal(t, "2", req.Query.Get("p"))
	assert.Equal(t, "b1", req.Query.Get("batch"))
	assert.False(t, req.Query.Has("field"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
	assert.Equal(t, "Bearer "+f.config.token, req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get(RequestIDHeader))
}

func TestSendDecodeError(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(http.MethodGet, "/api/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	f.srv.Handle(http.MethodGet, "/api/noerr", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dat": []}`))
	})

	_, err := f.client.Get(context.Background(), "/api/html", nil)
	assert.ErrorIs(t, err, ErrDecode)
	_, err = f.client.Get(context.Background(), "/api/noerr", nil)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, 2, f.notices.Len())
}

func TestPerRequestCancellation(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.srv.Handle(http.MethodGet, "/api/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		consoletest.WriteEnvelope(w, http.StatusOK, "", []any{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := f.client.Get(ctx, "/api/slow", nil)
		cancelledErr <- err
	}()
	otherErr := make(chan error, 1)
	go func() {
		_, err := f.client.Get(context.Background(), "/api/slow", nil)
		otherErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	err := <-cancelledErr
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.NoError(t, <-otherErr, "cancelling one request must not affect another")
	assert.Equal(t, 0, f.notices.Len(), "cancellation is not announced")
}

func TestShutdownAbortsInFlight(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle(http.MethodGet, "/api/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := f.client.Get(context.Background(), "/api/slow", nil)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	f.client.Shutdown()
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrNetwork)
		case <-time.After(2 * time.Second):
			t.Fatal("request not aborted by shutdown")
		}
	}

	_, err := f.client.Get(context.Background(), consoletest.TeamsPath, nil)
	assert.ErrorIs(t, err, ErrNetwork)
}

type flakyTransport struct {
	failures atomic.Int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestRetryOnNetworkErrorOnly(t *testing.T) {
	rt := &flakyTransport{next: http.DefaultTransport}
	rt.failures.Store(2)
	f := newFixture(t,
		WithHTTPClient(&http.Client{Transport: rt}),
		WithRetry(3, time.Millisecond),
	)

	res, err := f.client.Get(context.Background(), consoletest.TeamsPath, nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, int32(3), rt.calls.Load())
	assert.Equal(t, 0, f.notices.Len())

	// an application error is returned on the first attempt
	rt.calls.Store(0)
	f.srv.Handle(http.MethodGet, "/api/fail", func(w http.ResponseWriter, r *http.Request) {
		consoletest.WriteEnvelope(w, http.StatusOK, "boom", nil)
	})
	_, err = f.client.Get(context.Background(), "/api/fail", nil)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Equal(t, int32(1), rt.calls.Load())
}

func TestNetworkErrorIsAnnounced(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()

	_, err := f.client.Get(context.Background(), consoletest.TeamsPath, nil)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 1, f.notices.Len())
}

func TestAbsoluteURLAndServerPrefix(t *testing.T) {
	f := newFixture(t)
	res, err := f.client.Get(context.Background(), f.srv.URL+consoletest.TeamsPath, nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)

	f.config.url = f.srv.URL + "/"
	_, err = f.client.Get(context.Background(), "api/teams", nil)
	require.NoError(t, err)
	req, _ := f.srv.LastRequest(consoletest.TeamsPath)
	assert.Equal(t, consoletest.TeamsPath, req.Path)
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithRegisterer(reg))
	f.srv.Handle(http.MethodGet, "/api/fail", func(w http.ResponseWriter, r *http.Request) {
		consoletest.WriteEnvelope(w, http.StatusOK, "boom", nil)
	})

	_, _ = f.client.Get(context.Background(), consoletest.TeamsPath, nil)
	_, _ = f.client.Get(context.Background(), "/api/fail", nil)
	_, _ = f.client.Get(context.Background(), "/api/missing", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.client.requests.WithLabelValues(outcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.client.requests.WithLabelValues(outcomeApplication)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.client.requests.WithLabelValues(outcomeTransport)))
}
