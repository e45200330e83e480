package schema

// CredentialType classifies the secret material held for a service.
type CredentialType string

const (
	CredentialAPIKey        CredentialType = "api_key"
	CredentialOAuthToken    CredentialType = "oauth_token"
	CredentialBasicAuth     CredentialType = "basic_auth"
	CredentialWebhookSecret CredentialType = "webhook_secret"
	CredentialCustom        CredentialType = "custom"
)

// ValidCredentialType reports whether t is a known credential type.
func ValidCredentialType(t CredentialType) bool {
	switch t {
	case CredentialAPIKey, CredentialOAuthToken, CredentialBasicAuth,
		CredentialWebhookSecret, CredentialCustom:
		return true
	}
	return false
}

// SecurityEventType classifies always-retained security events.
type SecurityEventType string

const (
	SecurityAuthFailure       SecurityEventType = "auth_failure"
	SecurityPermissionDenied  SecurityEventType = "permission_denied"
	SecuritySuspiciousPattern SecurityEventType = "suspicious_pattern"
)

// ValidSecurityEventType reports whether t is a known security event type.
func ValidSecurityEventType(t SecurityEventType) bool {
	switch t {
	case SecurityAuthFailure, SecurityPermissionDenied, SecuritySuspiciousPattern:
		return true
	}
	return false
}

// ConsentVersion is the schema version stamped on new consent records.
const ConsentVersion = "1.0"
