package models

import "fmt"

// Topic families. Every topic is namespaced by tenant so a subscriber for
// one tenant can never observe another tenant's traffic. The names are
// derived server-side from validated token data, never from client input.
const (
	TopicFamilyMaintenance  = "maintenance"
	TopicFamilyChat         = "chat"
	TopicFamilyNotification = "notify"
)

func MaintenanceTopic(tenant string) string {
	return fmt.Sprintf("%s:%s", TopicFamilyMaintenance, tenant)
}

func ChatTopic(tenant string) string {
	return fmt.Sprintf("%s:%s", TopicFamilyChat, tenant)
}

// NotificationTopic is per-user: notifications target a single recipient,
// unlike maintenance and chat which fan out to the whole tenant.
func NotificationTopic(tenant, user string) string {
	return fmt.Sprintf("%s:%s:%s", TopicFamilyNotification, tenant, user)
}

// TopicsFor computes the full set of topics a connection owned by the
// given token is entitled to. The set is fixed for the connection's
// lifetime.
func TopicsFor(td TokenData) []string {
	return []string{
		MaintenanceTopic(td.Tenant),
		ChatTopic(td.Tenant),
		NotificationTopic(td.Tenant, td.User),
	}
}

// TopicForKind maps an event kind to its topic. userID is only consulted
// for per-user families and may be empty otherwise.
func TopicForKind(kind, tenant, userID string) (string, error) {
	switch kind {
	case EventKindMaintenance:
		return MaintenanceTopic(tenant), nil
	case EventKindChatMessage:
		return ChatTopic(tenant), nil
	case EventKindNotification, EventKindNotificationRead:
		if userID == "" {
			return "", fmt.Errorf("event kind %q requires a target user", kind)
		}
		return NotificationTopic(tenant, userID), nil
	default:
		return "", fmt.Errorf("no topic family for event kind %q", kind)
	}
}
