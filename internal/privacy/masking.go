package privacy

import (
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits.
// Example: "+5511999999999" -> "+*********9999"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if len(phone) <= 5 {
			return "+" + strings.Repeat("*", len(phone)-1)
		}
		return "+" + strings.Repeat("*", len(phone)-5) + phone[len(phone)-4:]
	}

	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskSenderID masks a provider sender identifier while keeping the domain
// suffix readable. Example: "5511999999999@c.us" -> "*********9999@c.us"
func MaskSenderID(senderID string) string {
	if senderID == "" {
		return ""
	}

	if at := strings.Index(senderID, "@"); at >= 0 {
		return maskString(senderID[:at], 4) + senderID[at:]
	}

	return maskString(senderID, 4)
}

// MaskToken masks a provider credential, keeping only a short tail for
// correlation in logs.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	return maskString(token, 4)
}

func maskString(s string, keepLast int) string {
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}
