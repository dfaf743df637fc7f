package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pagening/sitebuilder/internal/domain"
)

type authContextKey string

type authInfo struct {
	UserID string
	Email  string
}

const contextKeyAuth authContextKey = "sitebuilder-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, err := r.authenticate(req)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		shareContext(w, ctx)
		next(w, req.WithContext(ctx))
	}
}

// requirePlan authenticates the caller and checks their tier against the
// minimum deploy plan. Failures use the {"success":false} body.
func (r *Router) requirePlan(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, info, err := r.authenticate(req)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized: no active session")
			return
		}
		shareContext(w, ctx)
		allowed, err := r.plans.HasAtLeast(ctx, info.UserID, r.minDeployPlan)
		if err != nil {
			r.logger.Error("plan resolution failed", "user_id", info.UserID, "error", err)
			writeFailure(w, http.StatusInternalServerError, "Could not determine your plan. Please try again.")
			return
		}
		if !allowed {
			r.logger.Warn("plan too low for deploy", "user_id", info.UserID, "required", r.minDeployPlan.String())
			writeFailure(w, http.StatusForbidden, forbiddenMessage(r.minDeployPlan))
			return
		}
		next(w, req.WithContext(ctx))
	}
}

func forbiddenMessage(min domain.Plan) string {
	return fmt.Sprintf("Forbidden: requires %q plan or higher", min.String())
}

// authenticate validates the Authorization header and enriches the context.
func (r *Router) authenticate(req *http.Request) (context.Context, authInfo, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		return req.Context(), authInfo{}, err
	}
	user, _, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		return req.Context(), authInfo{}, err
	}
	info := authInfo{UserID: user.ID, Email: user.Email}
	return context.WithValue(req.Context(), contextKeyAuth, info), info, nil
}

// shareContext hands the authenticated context back to audit for logging.
func shareContext(w http.ResponseWriter, ctx context.Context) {
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
