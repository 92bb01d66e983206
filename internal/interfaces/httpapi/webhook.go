package httpapi

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/domain/model"
)

// webhookResponse is the JSON body returned for every ingested signal.
type webhookResponse struct {
	Success       bool       `json:"success"`
	CorrelationID string     `json:"correlation_id"`
	Duplicate     bool       `json:"duplicate,omitempty"`
	WillRetry     bool       `json:"will_retry,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	Code          model.Code `json:"error_code,omitempty"`
	Message       string     `json:"message,omitempty"`
	PositionID    int64      `json:"position_id,omitempty"`
	TradeID       int64      `json:"trade_id,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{
			Code: model.CodeSanitization, Message: "unreadable request body",
		})
		return
	}
	if int64(len(body)) > s.maxBodyBytes {
		writeJSON(w, http.StatusBadRequest, webhookResponse{
			Code: model.CodeSanitization, Message: "payload exceeds size limit",
		})
		return
	}

	out := s.pipeline.Ingest(r.Context(), clientIP(r), r.UserAgent(), body)

	w.Header().Set("X-Correlation-Id", out.CorrelationID)
	if out.RetryAfter > 0 {
		secs := int(out.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if out.Duplicate {
		// Replay the cached result verbatim so the sender sees the same
		// answer the first delivery got.
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Duplicate", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.CachedBody)
		return
	}

	resp := webhookResponse{
		Success:       out.Result.Success,
		CorrelationID: out.CorrelationID,
		WillRetry:     out.WillRetry,
		Kind:          out.Result.Kind,
		Code:          out.Result.Code,
		Message:       out.Result.Message,
		PositionID:    out.Result.PositionID,
		TradeID:       out.Result.TradeID,
	}
	writeJSON(w, out.Status, resp)

	log.Debug().
		Str("correlation_id", out.CorrelationID).
		Int("status", out.Status).
		Bool("success", resp.Success).
		Msg("webhook handled")
}

// clientIP prefers the first X-Forwarded-For hop so rate limiting keys on the
// real sender when the service sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
