package mobile

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	TransportAPNS      = "apns"
	TransportFCMV1     = "fcm_v1"
	TransportFCMLegacy = "fcm_legacy"
	TransportProxy     = "proxy"

	fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

	defaultRetryAfter = time.Second
	maxRetryAfter     = 30 * time.Second
)

var errTokenExpired = errors.New("service token expired")

// TokenSourceFunc builds an OAuth2 token source and the project id from a
// service account JSON document.
type TokenSourceFunc func(ctx context.Context, credentialsJSON []byte) (oauth2.TokenSource, string, error)

func googleTokenSource(ctx context.Context, credentialsJSON []byte) (oauth2.TokenSource, string, error) {
	creds, err := google.CredentialsFromJSONWithType(ctx, credentialsJSON, google.ServiceAccount, fcmScope)
	if err != nil {
		return nil, "", fmt.Errorf("invalid service account credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return nil, "", fmt.Errorf("service account credentials have no project id")
	}
	return creds.TokenSource, creds.ProjectID, nil
}

type serviceAccount struct {
	tokens    oauth2.TokenSource
	projectID string
}

// post sends one push through the transport's circuit breaker. A 429 answer is
// waited out according to Retry-After and the request is resent exactly once.
func (b *Backend) post(ctx context.Context, transport, url string, newRequest func() *resty.Request) (*resty.Response, error) {
	breaker := b.breakers[transport]

	send := func() (*resty.Response, error) {
		out, err := breaker.Execute(func() (interface{}, error) {
			resp, err := newRequest().SetContext(ctx).Post(url)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode() >= http.StatusInternalServerError {
				return resp, fmt.Errorf("%s returned status %d", transport, resp.StatusCode())
			}
			return resp, nil
		})
		resp, _ := out.(*resty.Response)
		return resp, err
	}

	resp, err := send()
	if err != nil || resp.StatusCode() != http.StatusTooManyRequests {
		return resp, err
	}

	wait := retryAfter(resp.Header().Get("Retry-After"))
	b.logger.Info("push provider asked to slow down",
		zap.String("transport", transport),
		zap.Duration("retryAfter", wait),
	)
	if err := b.sleep(ctx, wait); err != nil {
		return resp, err
	}

	return send()
}

func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}

func (b *Backend) sendAPNS(ctx context.Context, cfg domain.MobileConfig, tokens domain.MobileTokens, n notification) (*resty.Response, error) {
	client, err := b.apnsClient(cfg)
	if err != nil {
		return nil, err
	}

	token, voip := apnsToken(tokens, n.Type)

	base := b.opts.APNSURL
	if cfg.UseSandbox {
		base = b.opts.APNSSandboxURL
	}

	topic := b.opts.APNSTopic
	pushType := "alert"
	priority := "5"
	switch {
	case voip:
		topic += ".voip"
		pushType = "voip"
		priority = "10"
	case n.Type.HighPriority():
		priority = "10"
	}

	return b.post(ctx, TransportAPNS, strings.TrimRight(base, "/")+"/3/device/"+token, func() *resty.Request {
		return client.R().
			SetHeader("apns-topic", topic).
			SetHeader("apns-push-type", pushType).
			SetHeader("apns-priority", priority).
			SetHeader("apns-expiration", "0").
			SetBody(n.apnsPayload(voip))
	})
}

// apnsToken picks the device token for the notification class. Calls prefer
// the VoIP token; everything else prefers the notification token. The legacy
// token is the fallback for both.
func apnsToken(tokens domain.MobileTokens, t NotificationType) (string, bool) {
	if t.HighPriority() && tokens.APNSVoIPToken != "" {
		return tokens.APNSVoIPToken, true
	}
	if tokens.APNSNotificationToken != "" {
		return tokens.APNSNotificationToken, false
	}
	if tokens.APNSToken != "" {
		return tokens.APNSToken, false
	}
	return tokens.APNSVoIPToken, true
}

func (b *Backend) apnsClient(cfg domain.MobileConfig) (*resty.Client, error) {
	if cfg.IOSAPNCertificate == "" || cfg.IOSAPNPrivate == "" {
		return b.client, nil
	}

	key := fingerprint(cfg.IOSAPNCertificate + cfg.IOSAPNPrivate)

	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.apnsClients[key]; ok {
		return client, nil
	}

	cert, err := tls.X509KeyPair([]byte(cfg.IOSAPNCertificate), []byte(cfg.IOSAPNPrivate))
	if err != nil {
		return nil, &configError{err: fmt.Errorf("invalid apns certificate: %w", err)}
	}

	client := b.newClient().SetCertificates(cert)
	b.apnsClients[key] = client
	return client, nil
}

func (b *Backend) sendFCMV1(ctx context.Context, cfg domain.MobileConfig, token string, n notification) (*resty.Response, error) {
	account, err := b.serviceAccount(cfg.FCMServiceAccountInfo)
	if err != nil {
		return nil, err
	}

	accessToken, err := account.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain fcm access token: %w", err)
	}

	android := map[string]any{"priority": androidPriority(n.Type)}
	if n.Type.HighPriority() {
		android["ttl"] = "0s"
	}

	body := map[string]any{
		"message": map[string]any{
			"token":   token,
			"data":    n.dataPayload(),
			"android": android,
		},
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(b.opts.FCMURL, "/"), account.projectID)
	return b.post(ctx, TransportFCMV1, url, func() *resty.Request {
		return b.client.R().
			SetAuthToken(accessToken.AccessToken).
			SetBody(body)
	})
}

func (b *Backend) serviceAccount(credentialsJSON string) (*serviceAccount, error) {
	key := fingerprint(credentialsJSON)

	b.mu.Lock()
	defer b.mu.Unlock()

	if account, ok := b.accounts[key]; ok {
		return account, nil
	}

	tokens, projectID, err := b.opts.TokenSource(context.Background(), []byte(credentialsJSON))
	if err != nil {
		return nil, &configError{err: err}
	}

	account := &serviceAccount{tokens: tokens, projectID: projectID}
	b.accounts[key] = account
	return account, nil
}

func (b *Backend) sendFCMLegacy(ctx context.Context, cfg domain.MobileConfig, token string, n notification) (*resty.Response, error) {
	body := legacyBody(token, n)
	return b.post(ctx, TransportFCMLegacy, strings.TrimRight(b.opts.FCMURL, "/")+"/fcm/send", func() *resty.Request {
		return b.client.R().
			SetHeader("Authorization", "key="+cfg.FCMAPIKey).
			SetBody(body)
	})
}

func (b *Backend) sendProxy(ctx context.Context, token string, n notification) (*resty.Response, error) {
	if strings.TrimSpace(b.opts.ProxyURL) == "" {
		return nil, &configError{err: fmt.Errorf("no push transport configured for tenant")}
	}

	bearer := b.identity.ServiceToken()
	if tokenExpired(bearer, b.now()) {
		return nil, errTokenExpired
	}

	body := legacyBody(token, n)
	return b.post(ctx, TransportProxy, strings.TrimRight(b.opts.ProxyURL, "/")+"/fcm/send", func() *resty.Request {
		return b.client.R().
			SetAuthToken(bearer).
			SetBody(body)
	})
}

func legacyBody(token string, n notification) map[string]any {
	body := map[string]any{
		"to":       token,
		"priority": androidPriority(n.Type),
		"data":     n.dataPayload(),
	}
	if n.Type.HighPriority() {
		body["time_to_live"] = 0
	}
	return body
}

func androidPriority(t NotificationType) string {
	if t.HighPriority() {
		return "high"
	}
	return "normal"
}

// tokenExpired reports whether a JWT bearer token is past its expiry. Opaque
// tokens are never considered expired.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// configError marks tenant misconfiguration that no retry can fix.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }
