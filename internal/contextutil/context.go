package contextutil

import "context"

type contextKey string

const credentialsContextKey contextKey = "lw_credentials"

// Credentials are per-request API credentials supplied by the host in cloud
// mode. They scope one tool invocation only.
type Credentials struct {
	KeyID  string
	Secret string
}

// SetCredentials stores request credentials in the context.
func SetCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsContextKey, creds)
}

// GetCredentials retrieves request credentials from the context.
func GetCredentials(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(credentialsContextKey).(Credentials)
	return creds, ok
}
