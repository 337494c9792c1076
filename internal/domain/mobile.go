package domain

// MobileTokens are the push tokens a user registered on the identity service.
type MobileTokens struct {
	Token                 string `json:"token"`
	APNSToken             string `json:"apns_token"`
	APNSVoIPToken         string `json:"apns_voip_token"`
	APNSNotificationToken string `json:"apns_notification_token"`
}

// HasIOS reports whether at least one APNs token is present.
func (t MobileTokens) HasIOS() bool {
	return t.APNSVoIPToken != "" || t.APNSNotificationToken != "" || t.APNSToken != ""
}

// MobileConfig is the per-tenant push provider configuration.
type MobileConfig struct {
	FCMServiceAccountInfo string `json:"fcm_service_account_info"`
	FCMAPIKey             string `json:"fcm_api_key"`
	FCMSenderID           string `json:"fcm_sender_id"`
	IOSAPNCertificate     string `json:"ios_apn_certificate"`
	IOSAPNPrivate         string `json:"ios_apn_private"`
	UseSandbox            bool   `json:"use_sandbox"`
}
