package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/prudhvinik1/causalsync/internal/services"
)

type contextKey string

const claimsKey contextKey = "device_claims"

// DeviceAuth authenticates requests with the device token issued at
// registration and stores the claims in the request context.
func DeviceAuth(devices *services.DeviceService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := devices.VerifyToken(token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimsFrom(r *http.Request) *services.DeviceClaims {
	claims, _ := r.Context().Value(claimsKey).(*services.DeviceClaims)
	return claims
}
