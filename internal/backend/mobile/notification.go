package mobile

import (
	"encoding/json"
	"fmt"
)

type NotificationType string

const (
	IncomingCall       NotificationType = "incomingCall"
	CancelIncomingCall NotificationType = "cancelIncomingCall"
	VoicemailReceived  NotificationType = "voicemailReceived"
	MessageReceived    NotificationType = "messageReceived"
	MissedCall         NotificationType = "missedCall"
)

var notificationTypes = map[string]NotificationType{
	"call_push_notification":          IncomingCall,
	"call_cancel_push_notification":   CancelIncomingCall,
	"user_voicemail_message_created":  VoicemailReceived,
	"chatd_user_room_message_created": MessageReceived,
	"call_log_user_created":           MissedCall,
}

// NotificationTypeForEvent maps a bus event name to its push notification type.
func NotificationTypeForEvent(eventName string) (NotificationType, bool) {
	t, ok := notificationTypes[eventName]
	return t, ok
}

// HighPriority reports whether the type must wake a terminated app.
func (t NotificationType) HighPriority() bool {
	return t == IncomingCall || t == CancelIncomingCall
}

type notification struct {
	Type  NotificationType
	Title string
	Body  string
	Items map[string]any
}

// skip reports whether this notification should not be sent at all.
func (n notification) skip() bool {
	if n.Type != MissedCall {
		return false
	}
	answered, _ := n.Items["answered"].(bool)
	return answered
}

func newNotification(t NotificationType, items map[string]any) notification {
	if items == nil {
		items = map[string]any{}
	}

	n := notification{Type: t, Items: items}
	switch t {
	case IncomingCall:
		n.Title = "Incoming Call"
		n.Body = fmt.Sprintf("From: %s", stringField(items, "peer_caller_id_number"))
	case VoicemailReceived:
		message, _ := items["message"].(map[string]any)
		n.Title = "New voicemail"
		n.Body = fmt.Sprintf("From: %s (%s)", stringField(message, "caller_id_name"), stringField(message, "caller_id_num"))
	case MessageReceived:
		n.Title = stringField(items, "alias")
		n.Body = stringField(items, "content")
	case MissedCall:
		n.Title = "Missed call"
		n.Body = fmt.Sprintf("From: %s (%s)", stringField(items, "source_name"), stringField(items, "source_extension"))
	}
	return n
}

// dataPayload is the FCM data-only payload: string values only.
func (n notification) dataPayload() map[string]string {
	items, err := json.Marshal(n.Items)
	if err != nil {
		items = []byte("{}")
	}
	return map[string]string{
		"notification_type": string(n.Type),
		"items":             string(items),
	}
}

// apnsPayload builds the APNs body. VoIP pushes carry data only; other pushes
// are hybrid alert plus background payloads.
func (n notification) apnsPayload(voip bool) map[string]any {
	aps := map[string]any{}
	if !voip {
		aps["alert"] = map[string]string{"title": n.Title, "body": n.Body}
		aps["badge"] = 1
		aps["sound"] = "default"
		if !n.Type.HighPriority() {
			aps["content-available"] = 1
		}
	}

	return map[string]any{
		"aps":               aps,
		"notification_type": string(n.Type),
		"items":             n.Items,
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
