package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"golang.org/x/oauth2"
)

type fakeIdentity struct {
	tokensFn func(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error)
	configFn func(ctx context.Context, tenantUUID string) (domain.MobileConfig, error)
	token    string
}

func (f *fakeIdentity) MobileTokens(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error) {
	if f.tokensFn == nil {
		return domain.MobileTokens{}, nil
	}
	return f.tokensFn(ctx, tenantUUID, userUUID)
}

func (f *fakeIdentity) MobileConfig(ctx context.Context, tenantUUID string) (domain.MobileConfig, error) {
	if f.configFn == nil {
		return domain.MobileConfig{}, nil
	}
	return f.configFn(ctx, tenantUUID)
}

func (f *fakeIdentity) ServiceToken() string {
	return f.token
}

func identityWith(tokens domain.MobileTokens, cfg domain.MobileConfig) *fakeIdentity {
	return &fakeIdentity{
		tokensFn: func(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error) {
			return tokens, nil
		},
		configFn: func(ctx context.Context, tenantUUID string) (domain.MobileConfig, error) {
			return cfg, nil
		},
		token: "opaque-service-token",
	}
}

type recordedPush struct {
	path    string
	headers http.Header
	body    map[string]any
}

// pushServer records every request and answers with the next queued status,
// repeating the last one when the queue runs out.
type pushServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedPush
	statuses []int
	headers  map[string]string
}

func newPushServer(t *testing.T, statuses ...int) *pushServer {
	t.Helper()

	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	s := &pushServer{statuses: statuses, headers: map[string]string{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		s.mu.Lock()
		s.requests = append(s.requests, recordedPush{path: r.URL.Path, headers: r.Header.Clone(), body: body})
		status := s.statuses[0]
		if len(s.statuses) > 1 {
			s.statuses = s.statuses[1:]
		}
		for k, v := range s.headers {
			w.Header().Set(k, v)
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"name":"msg-1"}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pushServer) setHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[key] = value
}

func (s *pushServer) calls() []recordedPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedPush(nil), s.requests...)
}

type sleeps struct {
	mu     sync.Mutex
	values []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, d)
	return nil
}

func staticTokenSource(ctx context.Context, credentialsJSON []byte) (oauth2.TokenSource, string, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-token"}), "project-1", nil
}

func newTestBackend(t *testing.T, identity IdentityClient, apns, fcm, proxy *pushServer, s *sleeps) *Backend {
	t.Helper()

	opts := Options{TokenSource: staticTokenSource}
	if apns != nil {
		opts.APNSURL = apns.URL
		opts.APNSSandboxURL = apns.URL + "/sandbox"
	}
	if fcm != nil {
		opts.FCMURL = fcm.URL
	}
	if proxy != nil {
		opts.ProxyURL = proxy.URL
	}
	if s != nil {
		opts.Sleep = s.sleep
	}

	b, err := New(identity, opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func userRequest(eventName string, data string) backend.Request {
	user := "user-1"
	return backend.Request{
		Subscription: domain.Subscription{
			UUID:            "sub-1",
			Name:            "push",
			Service:         Name,
			OwnerTenantUUID: "tenant-1",
			OwnerUserUUID:   &user,
			Events:          []string{eventName},
		},
		Event:    domain.Event{Name: eventName, Data: json.RawMessage(data)},
		HookUUID: "hook-1",
		Attempt:  1,
	}
}

func TestRunAndroidIncomingCallUsesFCMHighPriority(t *testing.T) {
	t.Parallel()

	apns := newPushServer(t)
	fcm := newPushServer(t)
	identity := identityWith(
		domain.MobileTokens{Token: "android-token"},
		domain.MobileConfig{FCMServiceAccountInfo: `{"project_id":"project-1"}`},
	)
	b := newTestBackend(t, identity, apns, fcm, nil, nil)

	detail, err := b.Run(context.Background(), userRequest("call_push_notification", `{"peer_caller_id_number":"1001"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(apns.calls()) != 0 {
		t.Fatal("APNs must not be invoked for an Android-only user")
	}

	calls := fcm.calls()
	if len(calls) != 1 {
		t.Fatalf("fcm calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.path != "/v1/projects/project-1/messages:send" {
		t.Fatalf("path = %s", call.path)
	}
	if got := call.headers.Get("Authorization"); got != "Bearer access-token" {
		t.Fatalf("authorization = %q", got)
	}

	message, _ := call.body["message"].(map[string]any)
	if message["token"] != "android-token" {
		t.Fatalf("token = %v", message["token"])
	}
	android, _ := message["android"].(map[string]any)
	if android["priority"] != "high" {
		t.Fatalf("android priority = %v, want high", android["priority"])
	}
	data, _ := message["data"].(map[string]any)
	if data["notification_type"] != "incomingCall" {
		t.Fatalf("notification_type = %v, want incomingCall", data["notification_type"])
	}
	if _, hasNotification := message["notification"]; hasNotification {
		t.Fatal("android payload must be data-only")
	}

	if detail["transport"] != TransportFCMV1 || detail["notification_type"] != "incomingCall" {
		t.Fatalf("detail = %v", detail)
	}
}

func TestRunIOSIncomingCallUsesVoIPPush(t *testing.T) {
	t.Parallel()

	apns := newPushServer(t)
	fcm := newPushServer(t)
	identity := identityWith(
		domain.MobileTokens{Token: "android-token", APNSVoIPToken: "voip-token", APNSNotificationToken: "notif-token"},
		domain.MobileConfig{FCMServiceAccountInfo: `{}`},
	)
	b := newTestBackend(t, identity, apns, fcm, nil, nil)

	if _, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(fcm.calls()) != 0 {
		t.Fatal("FCM must not be invoked when an iOS token exists")
	}
	calls := apns.calls()
	if len(calls) != 1 {
		t.Fatalf("apns calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.path != "/3/device/voip-token" {
		t.Fatalf("path = %s", call.path)
	}
	if call.headers.Get("apns-push-type") != "voip" || call.headers.Get("apns-priority") != "10" {
		t.Fatalf("headers = %v", call.headers)
	}
	if call.headers.Get("apns-topic") != "io.wazo.songbird.voip" {
		t.Fatalf("topic = %q", call.headers.Get("apns-topic"))
	}
}

func TestRunIOSVoicemailIsHybridAlert(t *testing.T) {
	t.Parallel()

	apns := newPushServer(t)
	identity := identityWith(
		domain.MobileTokens{APNSNotificationToken: "notif-token"},
		domain.MobileConfig{UseSandbox: true},
	)
	b := newTestBackend(t, identity, apns, nil, nil, nil)

	data := `{"message":{"caller_id_name":"Alice","caller_id_num":"1001"}}`
	if _, err := b.Run(context.Background(), userRequest("user_voicemail_message_created", data)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := apns.calls()
	if len(calls) != 1 {
		t.Fatalf("apns calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.path != "/sandbox/3/device/notif-token" {
		t.Fatalf("path = %s, want sandbox endpoint", call.path)
	}
	if call.headers.Get("apns-push-type") != "alert" {
		t.Fatalf("push type = %q", call.headers.Get("apns-push-type"))
	}

	aps, _ := call.body["aps"].(map[string]any)
	if aps["content-available"] != float64(1) {
		t.Fatalf("content-available = %v, want 1", aps["content-available"])
	}
	alert, _ := aps["alert"].(map[string]any)
	if alert["body"] != "From: Alice (1001)" {
		t.Fatalf("alert body = %v", alert["body"])
	}
	if call.body["notification_type"] != "voicemailReceived" {
		t.Fatalf("notification_type = %v", call.body["notification_type"])
	}
}

func TestRunFCMLegacyKey(t *testing.T) {
	t.Parallel()

	fcm := newPushServer(t)
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{FCMAPIKey: "legacy-key"})
	b := newTestBackend(t, identity, nil, fcm, nil, nil)

	if _, err := b.Run(context.Background(), userRequest("chatd_user_room_message_created", `{"alias":"Bob","content":"hi"}`)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := fcm.calls()
	if len(calls) != 1 || calls[0].path != "/fcm/send" {
		t.Fatalf("calls = %+v", calls)
	}
	if got := calls[0].headers.Get("Authorization"); got != "key=legacy-key" {
		t.Fatalf("authorization = %q", got)
	}
	if calls[0].body["priority"] != "normal" {
		t.Fatalf("priority = %v, want normal", calls[0].body["priority"])
	}
}

func TestRunProxyUsesServiceToken(t *testing.T) {
	t.Parallel()

	valid, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))

	proxy := newPushServer(t)
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{})
	identity.token = valid
	b := newTestBackend(t, identity, nil, nil, proxy, nil)

	detail, err := b.Run(context.Background(), userRequest("call_cancel_push_notification", `{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := proxy.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy calls = %d, want 1", len(calls))
	}
	if got := calls[0].headers.Get("Authorization"); got != "Bearer "+valid {
		t.Fatalf("authorization = %q", got)
	}
	if calls[0].body["priority"] != "high" {
		t.Fatalf("priority = %v, want high", calls[0].body["priority"])
	}
	if detail["transport"] != TransportProxy {
		t.Fatalf("transport = %v", detail["transport"])
	}
}

func TestRunProxyExpiredTokenIsRetryable(t *testing.T) {
	t.Parallel()

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))

	proxy := newPushServer(t)
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{})
	identity.token = expired
	b := newTestBackend(t, identity, nil, nil, proxy, nil)

	_, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`))

	var retryable *backend.RetryableFailure
	if !errors.As(err, &retryable) {
		t.Fatalf("err = %v, want RetryableFailure", err)
	}
	if len(proxy.calls()) != 0 {
		t.Fatal("proxy must not be called with an expired token")
	}
}

func TestRunRateLimitIsWaitedOutAndResentOnce(t *testing.T) {
	t.Parallel()

	fcm := newPushServer(t, http.StatusTooManyRequests, http.StatusOK)
	fcm.setHeader("Retry-After", "120")
	s := &sleeps{}
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{FCMAPIKey: "k"})
	b := newTestBackend(t, identity, nil, fcm, nil, s)

	if _, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(fcm.calls()) != 2 {
		t.Fatalf("calls = %d, want 2", len(fcm.calls()))
	}
	if len(s.values) != 1 || s.values[0] != 30*time.Second {
		t.Fatalf("sleeps = %v, want [30s]", s.values)
	}
}

func TestRunRepeatedRateLimitIsRetryable(t *testing.T) {
	t.Parallel()

	fcm := newPushServer(t, http.StatusTooManyRequests)
	s := &sleeps{}
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{FCMAPIKey: "k"})
	b := newTestBackend(t, identity, nil, fcm, nil, s)

	_, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`))

	var retryable *backend.RetryableFailure
	if !errors.As(err, &retryable) {
		t.Fatalf("err = %v, want RetryableFailure", err)
	}
	if len(fcm.calls()) != 2 {
		t.Fatalf("calls = %d, want exactly one resend", len(fcm.calls()))
	}
	if len(s.values) != 1 || s.values[0] != time.Second {
		t.Fatalf("sleeps = %v, want [1s]", s.values)
	}
}

func TestRunBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	fcm := newPushServer(t, http.StatusServiceUnavailable)
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{FCMAPIKey: "k"})
	b := newTestBackend(t, identity, nil, fcm, nil, nil)

	for i := 0; i < breakerConsecutiveFailures; i++ {
		_, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`))
		var retryable *backend.RetryableFailure
		if !errors.As(err, &retryable) {
			t.Fatalf("attempt %d: err = %v, want RetryableFailure", i+1, err)
		}
	}

	_, err := b.Run(context.Background(), userRequest("call_push_notification", `{}`))
	var retryable *backend.RetryableFailure
	if !errors.As(err, &retryable) {
		t.Fatalf("err = %v, want RetryableFailure", err)
	}
	if msg, _ := retryable.Detail["error"].(string); !strings.HasPrefix(msg, "circuit open") {
		t.Fatalf("detail error = %q, want circuit open", msg)
	}
	if len(fcm.calls()) != breakerConsecutiveFailures {
		t.Fatalf("calls = %d, want %d", len(fcm.calls()), breakerConsecutiveFailures)
	}
}

func TestRunTerminalAndSkippedCases(t *testing.T) {
	t.Parallel()

	tokens := domain.MobileTokens{Token: "android-token"}
	cfg := domain.MobileConfig{FCMAPIKey: "k"}

	testCases := []struct {
		name        string
		identity    *fakeIdentity
		request     func() backend.Request
		proxy       bool
		wantSkipped bool
		wantRetry   bool
	}{
		{
			name:     "unknown event",
			identity: identityWith(tokens, cfg),
			request:  func() backend.Request { return userRequest("call_created", `{}`) },
		},
		{
			name:     "tenant owned subscription",
			identity: identityWith(tokens, cfg),
			request: func() backend.Request {
				req := userRequest("call_push_notification", `{}`)
				req.Subscription.OwnerUserUUID = nil
				return req
			},
		},
		{
			name:     "no tokens at all",
			identity: identityWith(domain.MobileTokens{}, cfg),
			request:  func() backend.Request { return userRequest("call_push_notification", `{}`) },
		},
		{
			name: "tokens not found",
			identity: &fakeIdentity{tokensFn: func(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error) {
				return domain.MobileTokens{}, fmt.Errorf("%w: mobile tokens", domain.ErrNotFound)
			}},
			request: func() backend.Request { return userRequest("call_push_notification", `{}`) },
		},
		{
			name:     "no transport configured",
			identity: identityWith(tokens, domain.MobileConfig{}),
			request:  func() backend.Request { return userRequest("call_push_notification", `{}`) },
		},
		{
			name:        "answered call is skipped",
			identity:    identityWith(tokens, cfg),
			request:     func() backend.Request { return userRequest("call_log_user_created", `{"answered":true}`) },
			wantSkipped: true,
		},
		{
			name: "identity unavailable",
			identity: &fakeIdentity{tokensFn: func(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error) {
				return domain.MobileTokens{}, errors.New("connection refused")
			}},
			request:   func() backend.Request { return userRequest("call_push_notification", `{}`) },
			wantRetry: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fcm := newPushServer(t)
			b := newTestBackend(t, tc.identity, nil, fcm, nil, nil)

			_, err := b.Run(context.Background(), tc.request())

			var terminal *backend.TerminalFailure
			var retryable *backend.RetryableFailure
			switch {
			case tc.wantSkipped:
				if !errors.Is(err, backend.ErrDeliverySkipped) {
					t.Fatalf("err = %v, want ErrDeliverySkipped", err)
				}
			case tc.wantRetry:
				if !errors.As(err, &retryable) {
					t.Fatalf("err = %v, want RetryableFailure", err)
				}
			default:
				if !errors.As(err, &terminal) {
					t.Fatalf("err = %v, want TerminalFailure", err)
				}
			}
			if len(fcm.calls()) != 0 {
				t.Fatal("no push should have been sent")
			}
		})
	}
}

func TestRunMissedCallNotAnsweredIsSent(t *testing.T) {
	t.Parallel()

	fcm := newPushServer(t)
	identity := identityWith(domain.MobileTokens{Token: "android-token"}, domain.MobileConfig{FCMAPIKey: "k"})
	b := newTestBackend(t, identity, nil, fcm, nil, nil)

	detail, err := b.Run(context.Background(), userRequest("call_log_user_created", `{"answered":false,"source_name":"Alice"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if detail["notification_type"] != "missedCall" {
		t.Fatalf("notification_type = %v", detail["notification_type"])
	}
	if len(fcm.calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(fcm.calls()))
	}
}

func TestSelectTransport(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		tokens domain.MobileTokens
		cfg    domain.MobileConfig
		want   string
	}{
		{name: "legacy apns token", tokens: domain.MobileTokens{APNSToken: "a"}, cfg: domain.MobileConfig{FCMAPIKey: "k"}, want: TransportAPNS},
		{name: "service account", tokens: domain.MobileTokens{Token: "t"}, cfg: domain.MobileConfig{FCMServiceAccountInfo: "{}", FCMAPIKey: "k"}, want: TransportFCMV1},
		{name: "legacy key", tokens: domain.MobileTokens{Token: "t"}, cfg: domain.MobileConfig{FCMAPIKey: "k"}, want: TransportFCMLegacy},
		{name: "proxy", tokens: domain.MobileTokens{Token: "t"}, want: TransportProxy},
	}

	for _, tc := range testCases {
		if got := selectTransport(tc.tokens, tc.cfg); got != tc.want {
			t.Fatalf("%s: selectTransport() = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	testCases := map[string]time.Duration{
		"":     time.Second,
		"abc":  time.Second,
		"0":    time.Second,
		"3":    3 * time.Second,
		"3600": 30 * time.Second,
	}
	for header, want := range testCases {
		if got := retryAfter(header); got != want {
			t.Fatalf("retryAfter(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sign := func(claims jwt.MapClaims) string {
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		return token
	}

	if tokenExpired("opaque", now) {
		t.Fatal("opaque tokens never expire")
	}
	if tokenExpired(sign(jwt.MapClaims{"sub": "x"}), now) {
		t.Fatal("tokens without exp never expire")
	}
	if !tokenExpired(sign(jwt.MapClaims{"exp": now.Add(-time.Second).Unix()}), now) {
		t.Fatal("past exp should be expired")
	}
	if tokenExpired(sign(jwt.MapClaims{"exp": now.Add(time.Minute).Unix()}), now) {
		t.Fatal("future exp should not be expired")
	}
}
