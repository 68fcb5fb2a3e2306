package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"optionchain/gateway/auth"
	"optionchain/observability/logging"
	nativecommon "optionchain/native/common"
)

// Signatures verifies request signatures and records the signer on the
// request context. Unsigned requests pass through without a signer so public
// operations still work; the engines reject them where a signature is
// required.
func Signatures(authn *auth.Authenticator, maxBody int64, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 || maxBody > int64(auth.MaxBodyForSignature) {
		maxBody = int64(auth.MaxBodyForSignature)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				read, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
				_ = r.Body.Close()
				if err != nil {
					http.Error(w, "unable to read body", http.StatusBadRequest)
					return
				}
				if int64(len(read)) > maxBody {
					http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
					return
				}
				body = read
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			if authn == nil || strings.TrimSpace(r.Header.Get(auth.HeaderSignature)) == "" {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := authn.Authenticate(r, body)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrReplay) {
					status = http.StatusConflict
				}
				logger.Warn("signature rejected",
					slog.String("requestId", RequestID(r.Context())),
					slog.String("nonce", r.Header.Get(auth.HeaderNonce)),
					slog.String("signature", logging.MaskHex(r.Header.Get(auth.HeaderSignature))),
					slog.String("reason", err.Error()))
				http.Error(w, err.Error(), status)
				return
			}
			ctx := nativecommon.WithSigners(r.Context(), principal.Address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
