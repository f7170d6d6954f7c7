package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/limiter"
)

func identityParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "identity"))
}

func (d *Dependencies) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)
	if identity == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "identity is required"})
		return
	}
	writeJSON(w, http.StatusOK, identityResp(identity, d.Tracker.Peek(r.Context(), identity)))
}

func (d *Dependencies) handleSetBlocklist(on bool) http.HandlerFunc {
	return d.handleSetFlag("blocklist", on, d.Tracker.SetBlocklisted)
}

func (d *Dependencies) handleSetAllowlist(on bool) http.HandlerFunc {
	return d.handleSetFlag("allowlist", on, d.Tracker.SetAllowlisted)
}

func (d *Dependencies) handleSetFlag(
	list string,
	on bool,
	set func(ctx context.Context, identity string, on bool) (limiter.Snapshot, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityParam(r)
		if identity == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "identity is required"})
			return
		}

		snap, err := set(r.Context(), identity, on)
		if errors.Is(err, limiter.ErrStateUnavailable) {
			d.Logger.Warn("identity state unavailable, list not updated",
				zap.String("identity", identity), zap.String("list", list))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Identity state unavailable, retry later"})
			return
		}
		if err != nil {
			d.Logger.Error("failed to update identity",
				zap.String("identity", identity), zap.String("list", list), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update identity"})
			return
		}

		d.Logger.Info("identity list updated",
			zap.String("identity", identity),
			zap.String("list", list),
			zap.Bool("on", on),
			zap.String("key_id", keyIDFromContext(r.Context())),
		)
		writeJSON(w, http.StatusOK, identityResp(identity, snap))
	}
}
