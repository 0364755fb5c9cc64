package credentials

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
)

// NewHealthChecker reports whether a usable bearer token can be resolved.
// Without one the channel still connects but the backend may reject it, so
// the check is degraded rather than unhealthy.
func NewHealthChecker(store interfaces.CredentialStore) *monitoring.CustomHealthChecker {
	return monitoring.NewCustomHealthChecker(func(ctx context.Context) monitoring.HealthCheck {
		token, ok := store.Token()
		if !ok {
			return monitoring.HealthCheck{
				Status:  monitoring.HealthStatusDegraded,
				Message: "No usable access token found",
				Details: map[string]interface{}{"token_present": false},
			}
		}

		check := monitoring.HealthCheck{
			Status:  monitoring.HealthStatusHealthy,
			Message: "Access token available",
			Details: map[string]interface{}{"token_present": true},
		}
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
			check.Details["expires_at"] = claims.ExpiresAt.Time
		}
		return check
	})
}
