package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// ActorHeader carries the user name recorded in audit rows.
const ActorHeader = "X-Actor"

// SystemActor is recorded when a request names no actor.
const SystemActor = "system"

// ContextWithActor returns a new context that carries the acting user.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the acting user, falling back to SystemActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || actor == "" {
		return SystemActor
	}
	return actor
}

// ActorMiddleware stores the X-Actor header on the request context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = SystemActor
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}
