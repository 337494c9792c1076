package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second

	tenantHeader = "Wazo-Tenant"
	tokenHeader  = "X-Auth-Token"
)

// Client talks to the identity service on behalf of the dispatcher, using the
// server-issued service token.
type Client struct {
	client       *resty.Client
	serviceToken string
}

func New(baseURL, serviceToken string) (*Client, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)

	return NewWithClient(baseURL, serviceToken, client)
}

func NewWithClient(baseURL, serviceToken string, client *resty.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("identity url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid identity url: %w", err)
	}
	if strings.TrimSpace(serviceToken) == "" {
		return nil, fmt.Errorf("identity service token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	client.SetBaseURL(trimmed)
	client.SetHeader("Accept", "application/json")

	return &Client{client: client, serviceToken: serviceToken}, nil
}

// ServiceToken returns the bearer token the dispatcher authenticates with.
func (c *Client) ServiceToken() string {
	return c.serviceToken
}

func (c *Client) MobileTokens(ctx context.Context, tenantUUID, userUUID string) (domain.MobileTokens, error) {
	var tokens domain.MobileTokens

	response, err := c.request(ctx, tenantUUID).
		SetResult(&tokens).
		SetPathParam("user", userUUID).
		Get("/0.1/users/{user}/external/mobile")
	if err := checkResponse(response, err, "mobile tokens"); err != nil {
		return domain.MobileTokens{}, err
	}

	return tokens, nil
}

type mobileConfigPayload struct {
	FCMServiceAccountInfo json.RawMessage `json:"fcm_service_account_info"`
	FCMAPIKey             string          `json:"fcm_api_key"`
	FCMSenderID           string          `json:"fcm_sender_id"`
	IOSAPNCertificate     string          `json:"ios_apn_certificate"`
	IOSAPNPrivate         string          `json:"ios_apn_private"`
	UseSandbox            bool            `json:"use_sandbox"`
}

func (c *Client) MobileConfig(ctx context.Context, tenantUUID string) (domain.MobileConfig, error) {
	var payload mobileConfigPayload

	response, err := c.request(ctx, tenantUUID).
		SetResult(&payload).
		Get("/0.1/external/mobile/config")
	if err := checkResponse(response, err, "mobile config"); err != nil {
		return domain.MobileConfig{}, err
	}

	return domain.MobileConfig{
		FCMServiceAccountInfo: serviceAccountJSON(payload.FCMServiceAccountInfo),
		FCMAPIKey:             payload.FCMAPIKey,
		FCMSenderID:           payload.FCMSenderID,
		IOSAPNCertificate:     payload.IOSAPNCertificate,
		IOSAPNPrivate:         payload.IOSAPNPrivate,
		UseSandbox:            payload.UseSandbox,
	}, nil
}

func (c *Client) TenantExists(ctx context.Context, tenantUUID string) (bool, error) {
	response, err := c.request(ctx, tenantUUID).
		SetPathParam("tenant", tenantUUID).
		Head("/0.1/tenants/{tenant}")
	err = checkResponse(response, err, "tenant")
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) request(ctx context.Context, tenantUUID string) *resty.Request {
	req := c.client.R().
		SetContext(ctx).
		SetHeader(tokenHeader, c.serviceToken)
	if tenantUUID != "" {
		req.SetHeader(tenantHeader, tenantUUID)
	}
	return req
}

func checkResponse(response *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("identity %s request failed: %w", what, err)
	}
	if response == nil {
		return fmt.Errorf("identity %s request returned no response", what)
	}

	status := response.StatusCode()
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: identity %s", domain.ErrNotFound, what)
	default:
		return fmt.Errorf("identity %s request returned status %d", what, status)
	}
}

// serviceAccountJSON accepts the service account either as an embedded JSON
// object or as a JSON-encoded string.
func serviceAccountJSON(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return trimmed
}
