package httpbackend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"go.uber.org/zap"
)

const (
	Name = "http"

	userAgent          = "webhook-dispatcher"
	defaultMethod      = "post"
	defaultContentType = "text/plain"

	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 15 * time.Second
)

var autoescapeOnce sync.Once

var errLocalAddress = errors.New("refusing to connect to a local address")

type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// LookupIP resolves target hosts for the loopback check.
	LookupIP func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Backend delivers events as HTTP requests built from templated config.
type Backend struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	lookupIP       func(ctx context.Context, host string) ([]net.IPAddr, error)
	logger         *zap.Logger

	mu      sync.Mutex
	clients map[string]*resty.Client
}

func New(opts Options, logger *zap.Logger) *Backend {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.LookupIP == nil {
		opts.LookupIP = net.DefaultResolver.LookupIPAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Bodies are arbitrary payloads, not HTML.
	autoescapeOnce.Do(func() { pongo2.SetAutoescape(false) })

	return &Backend{
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		lookupIP:       opts.LookupIP,
		logger:         logger,
		clients:        make(map[string]*resty.Client),
	}
}

func (b *Backend) Run(ctx context.Context, req backend.Request) (backend.Detail, error) {
	eventData, err := req.Event.DecodeData()
	if err != nil {
		return nil, backend.Terminal(backend.Detail{"error": err.Error()}, err)
	}

	vars := pongo2.Context{
		"event_name": req.Event.Name,
		"event_data": eventData,
		"wazo_uuid":  req.Event.OriginUUID,
		"event":      eventData,
		"event_id":   req.HookUUID,
	}

	rawURL, err := render(req.Config["url"], vars)
	if err != nil {
		return nil, backend.Terminal(backend.Detail{"error": "invalid url template: " + err.Error()}, err)
	}
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, backend.Terminal(backend.Detail{"error": fmt.Sprintf("invalid url %q", rawURL)}, err)
	}

	userOwned := req.Subscription.IsUserOwned()
	if userOwned && b.isLocal(ctx, target.Hostname()) {
		b.skipLocal(req, target.Hostname())
		return nil, backend.ErrDeliverySkipped
	}

	method := strings.ToUpper(strings.TrimSpace(req.Config["method"]))
	if method == "" {
		method = strings.ToUpper(defaultMethod)
	}

	var (
		body        string
		contentType string
	)
	if tpl := req.Config["body"]; tpl != "" {
		body, err = render(tpl, vars)
		if err != nil {
			return nil, backend.Terminal(backend.Detail{"error": "invalid body template: " + err.Error()}, err)
		}
		contentType = withCharset(req.Config["content_type"])
	} else {
		body = string(req.Event.Data)
		if body == "" {
			body = "{}"
		}
		contentType = "application/json"
	}

	client, err := b.client(req.Config["verify_certificate"], userOwned)
	if err != nil {
		return nil, backend.Terminal(backend.Detail{"error": err.Error()}, err)
	}

	request := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body)

	detail := backend.Detail{
		"request_method":  method,
		"request_url":     target.String(),
		"request_headers": map[string]string{"Content-Type": contentType, "User-Agent": userAgent},
		"request_body":    body,
	}

	response, err := request.Execute(method, target.String())
	if errors.Is(err, errLocalAddress) {
		b.skipLocal(req, target.Hostname())
		return nil, backend.ErrDeliverySkipped
	}
	if err != nil {
		detail["error"] = err.Error()
		return nil, backend.Retryable(detail, err)
	}

	statusCode := response.StatusCode()
	detail["response_status_code"] = statusCode
	detail["response_headers"] = flattenHeaders(response.Header())
	detail["response_body"] = decodeBody(response.Body())

	switch {
	case statusCode == http.StatusGone:
		return nil, backend.Terminal(detail, fmt.Errorf("status %d", statusCode))
	case statusCode >= http.StatusBadRequest:
		return nil, backend.Retryable(detail, fmt.Errorf("status %d", statusCode))
	}

	return detail, nil
}

func (b *Backend) skipLocal(req backend.Request, host string) {
	b.logger.Warn("skipping user webhook targeting a local address",
		zap.String("subscriptionUuid", req.Subscription.UUID),
		zap.String("host", host),
	)
}

// isLocal reports whether host is, or resolves to, a loopback or unspecified
// address. The dialer of user clients checks the connected address again.
func (b *Backend) isLocal(ctx context.Context, host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return isLocalIP(ip)
	}

	addrs, err := b.lookupIP(ctx, host)
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if isLocalIP(addr.IP) {
			return true
		}
	}
	return false
}

func isLocalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsUnspecified()
}

// rejectLocal is a dialer Control hook refusing connections to local
// addresses, whatever the name resolved to at check time.
func rejectLocal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && isLocalIP(ip) {
		return fmt.Errorf("%w: %s", errLocalAddress, host)
	}
	return nil
}

// client returns a resty client for the verify_certificate setting: "true"
// or empty verifies against system roots, "false" skips verification, any
// other value is a CA bundle path. Clients for user webhooks refuse to dial
// local addresses.
func (b *Backend) client(verify string, userOwned bool) (*resty.Client, error) {
	verify = strings.TrimSpace(verify)
	if strings.EqualFold(verify, "true") {
		verify = ""
	}
	key := verify
	if userOwned {
		key = "user:" + verify
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.clients[key]; ok {
		return client, nil
	}

	dialer := &net.Dialer{Timeout: b.connectTimeout}
	if userOwned {
		dialer.Control = rejectLocal
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   b.connectTimeout,
		ResponseHeaderTimeout: b.readTimeout,
	}

	client := resty.New().
		SetTransport(transport).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent)

	switch {
	case verify == "":
	case strings.EqualFold(verify, "false"):
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opted out per subscription
	default:
		client.SetRootCertificate(verify)
		if transport.TLSClientConfig == nil || transport.TLSClientConfig.RootCAs == nil {
			return nil, fmt.Errorf("failed to load CA bundle %q", verify)
		}
	}

	b.clients[key] = client
	return client, nil
}

func render(source string, vars pongo2.Context) (string, error) {
	if source == "" {
		return "", nil
	}

	tpl, err := pongo2.FromString(source)
	if err != nil {
		return "", err
	}
	return tpl.Execute(vars)
}

// withCharset builds the content type of a templated body: the configured
// media type (text/plain by default) with a utf-8 charset unless one is set.
func withCharset(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		configured = defaultContentType
	}

	mediaType, params, err := mime.ParseMediaType(configured)
	if err != nil {
		return configured
	}
	if _, ok := params["charset"]; !ok {
		params["charset"] = "utf-8"
	}

	formatted := mime.FormatMediaType(mediaType, params)
	if formatted == "" {
		return configured
	}
	return formatted
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
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

var _ backend.Backend = (*Backend)(nil)
