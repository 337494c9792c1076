package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	Name = "mobile"

	defaultAPNSURL        = "https://api.push.apple.com"
	defaultAPNSSandboxURL = "https://api.sandbox.push.apple.com"
	defaultFCMURL         = "https://fcm.googleapis.com"
	defaultAPNSTopic      = "io.wazo.songbird"
	defaultTimeout        = 10 * time.Second

	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
	breakerInterval            = time.Minute
)

// IdentityClient resolves push tokens and tenant push configuration.
type IdentityClient interface {
	MobileTokens(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error)
	MobileConfig(ctx context.Context, tenantUUID string) (domain.MobileConfig, error)
	ServiceToken() string
}

type Options struct {
	APNSTopic      string
	APNSURL        string
	APNSSandboxURL string
	FCMURL         string
	ProxyURL       string
	Timeout        time.Duration
	TokenSource    TokenSourceFunc
	Sleep          func(ctx context.Context, d time.Duration) error
	Now            func() time.Time
}

// Backend sends push notifications to the devices of a subscription's owner.
type Backend struct {
	identity IdentityClient
	opts     Options
	client   *resty.Client
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu          sync.Mutex
	apnsClients map[string]*resty.Client
	accounts    map[string]*serviceAccount
}

func New(identity IdentityClient, opts Options, logger *zap.Logger) (*Backend, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.APNSTopic == "" {
		opts.APNSTopic = defaultAPNSTopic
	}
	if opts.APNSURL == "" {
		opts.APNSURL = defaultAPNSURL
	}
	if opts.APNSSandboxURL == "" {
		opts.APNSSandboxURL = defaultAPNSSandboxURL
	}
	if opts.FCMURL == "" {
		opts.FCMURL = defaultFCMURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TokenSource == nil {
		opts.TokenSource = googleTokenSource
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Backend{
		identity:    identity,
		opts:        opts,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		logger:      logger,
		sleep:       opts.Sleep,
		now:         opts.Now,
		apnsClients: make(map[string]*resty.Client),
		accounts:    make(map[string]*serviceAccount),
	}
	b.client = b.newClient()

	for _, name := range []string{TransportAPNS, TransportFCMV1, TransportFCMLegacy, TransportProxy} {
		b.breakers[name] = b.newBreaker(name)
	}

	return b, nil
}

func (b *Backend) newClient() *resty.Client {
	return resty.New().
		SetTimeout(b.opts.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "webhook-dispatcher")
}

func (b *Backend) newBreaker(transport string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-" + transport,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("push circuit breaker state changed",
				zap.String("transport", transport),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (b *Backend) Run(ctx context.Context, req backend.Request) (backend.Detail, error) {
	if !req.Subscription.IsUserOwned() {
		return nil, backend.Terminal(backend.Detail{"error": "subscription has no owner user"}, nil)
	}
	tenantUUID := req.Subscription.OwnerTenantUUID
	userUUID := *req.Subscription.OwnerUserUUID

	notificationType, ok := NotificationTypeForEvent(req.Event.Name)
	if !ok {
		return nil, backend.Terminal(backend.Detail{"error": fmt.Sprintf("unsupported event %q", req.Event.Name)}, nil)
	}

	data, err := req.Event.DecodeData()
	if err != nil {
		return nil, backend.Terminal(backend.Detail{"error": err.Error()}, err)
	}
	items, _ := data.(map[string]any)

	n := newNotification(notificationType, items)
	if n.skip() {
		b.logger.Debug("skipping push for answered call",
			zap.String("subscriptionUuid", req.Subscription.UUID),
			zap.String("hookUuid", req.HookUUID),
		)
		return nil, backend.ErrDeliverySkipped
	}

	tokens, err := b.identity.MobileTokens(ctx, tenantUUID, userUUID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, backend.Terminal(backend.Detail{"error": "user has no mobile tokens"}, err)
		}
		return nil, backend.Retryable(backend.Detail{"error": err.Error()}, err)
	}
	if !tokens.HasIOS() && tokens.Token == "" {
		return nil, backend.Terminal(backend.Detail{"error": "user has no mobile tokens"}, nil)
	}

	cfg, err := b.identity.MobileConfig(ctx, tenantUUID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, backend.Retryable(backend.Detail{"error": err.Error()}, err)
	}

	transport := selectTransport(tokens, cfg)
	detail := backend.Detail{
		"transport":         transport,
		"notification_type": string(notificationType),
	}

	var resp *resty.Response
	switch transport {
	case TransportAPNS:
		resp, err = b.sendAPNS(ctx, cfg, tokens, n)
	case TransportFCMV1:
		resp, err = b.sendFCMV1(ctx, cfg, tokens.Token, n)
	case TransportFCMLegacy:
		resp, err = b.sendFCMLegacy(ctx, cfg, tokens.Token, n)
	default:
		resp, err = b.sendProxy(ctx, tokens.Token, n)
	}

	return classify(detail, resp, err)
}

// selectTransport picks exactly one transport: APNs for any iOS token, then
// FCM with a service account, then FCM with a legacy key, then the proxy.
func selectTransport(tokens domain.MobileTokens, cfg domain.MobileConfig) string {
	switch {
	case tokens.HasIOS():
		return TransportAPNS
	case cfg.FCMServiceAccountInfo != "":
		return TransportFCMV1
	case cfg.FCMAPIKey != "":
		return TransportFCMLegacy
	default:
		return TransportProxy
	}
}

func classify(detail backend.Detail, resp *resty.Response, err error) (backend.Detail, error) {
	if resp != nil {
		detail["response"] = map[string]any{
			"status_code": resp.StatusCode(),
			"body":        decodeBody(resp.Body()),
		}
	}

	if err != nil {
		detail["error"] = err.Error()

		var cfgErr *configError
		switch {
		case errors.As(err, &cfgErr):
			return nil, backend.Terminal(detail, err)
		case isBreakerOpen(err):
			detail["error"] = "circuit open: " + err.Error()
		}
		return nil, backend.Retryable(detail, err)
	}

	status := resp.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, backend.Retryable(detail, fmt.Errorf("push provider returned status %d", status))
	}

	return detail, nil
}

func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return ""
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded
	}
	return string(raw)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ backend.Backend = (*Backend)(nil)
