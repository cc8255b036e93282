package privacy

import (
	"fmt"
	"net/url"
	"strings"

	"aquadrop/internal/constants"
)

// MaskUserID masks a user or driver identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskLocalID shortens a client-generated UUID to its first segment
// Example: "3f2b9c1e-7d4a-4f4e-9a53-0c1d2e3f4a5b" -> "3f2b9c1e..."
func MaskLocalID(localID string) string {
	if localID == "" {
		return ""
	}
	if i := strings.IndexByte(localID, '-'); i > 0 {
		return localID[:i] + "..."
	}
	return maskString(localID, constants.DefaultIDMaskLength)
}

// MaskToken hides a bearer token or app key except for its last characters
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-4:]
}

// MaskBody replaces message text with its length
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return fmt.Sprintf("[hidden %d chars]", len([]rune(body)))
}

// MaskCoordinate rounds a coordinate to roughly 1km
func MaskCoordinate(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// MaskURL strips credentials and query values from a URL
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskString(raw, 0)
	}
	u.User = nil
	q := u.Query()
	for k := range q {
		q.Set(k, "***")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}
		switch k {
		case "user_id", "sender_id", "driver_id":
			masked[k] = MaskUserID(s)
		case "local_id", "client_id":
			masked[k] = MaskLocalID(s)
		case "token", "auth", "api_token", "app_key":
			masked[k] = MaskToken(s)
		case "body", "text":
			masked[k] = MaskBody(s)
		case "url", "upstream":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
