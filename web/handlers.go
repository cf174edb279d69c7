package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hkgpx/hkgpx/account"
	"github.com/hkgpx/hkgpx/gateway"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Ping())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.gw.Metrics().StartTime).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, s.gw.Metrics().Snapshot())
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "ID")
	if !ok {
		return
	}

	creds, err := s.gw.CreateOrUpdateAccount(id, r.PathValue("private_token"), clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "ID")
	if !ok {
		return
	}

	if err := s.gw.VerifyAccount(r.Context(), id, r.PathValue("private_token"), clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully verified this account or this new private token.",
	})
}

func (s *Server) handleTopicList(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "ID")
	if !ok {
		return
	}
	page, ok := pathInt(w, r, "page", "Page")
	if !ok {
		return
	}

	payload, err := s.gw.ListTopics(r.Context(), gateway.TopicsRequest{
		Forum:        r.PathValue("forum"),
		Page:         int(page),
		UserID:       id,
		PrivateToken: r.PathValue("private_token"),
		ClientIP:     clientIP(r),
		UseCache:     r.URL.Query().Get("cache") == "true",
		BypassCache:  r.URL.Query().Get("bypass_cache") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, payload)
}

func (s *Server) handleViewTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "User ID")
	if !ok {
		return
	}
	topicID, ok := pathInt(w, r, "topic_id", "Topic ID")
	if !ok {
		return
	}
	page, ok := pathInt(w, r, "page", "Page")
	if !ok {
		return
	}

	payload, err := s.gw.ViewTopic(r.Context(), gateway.TopicRequest{
		TopicID:      topicID,
		Page:         int(page),
		UserID:       id,
		PrivateToken: r.PathValue("private_token"),
		ClientIP:     clientIP(r),
		UseCache:     r.URL.Query().Get("cache") == "true",
		BypassCache:  r.URL.Query().Get("bypass_cache") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, payload)
}

// rawBody mirrors the wire shape clients already send: rp.urlParams
// carries form parameters for POST passthroughs.
type rawBody struct {
	API  *bool  `json:"api"`
	Path string `json:"path"`
	RP   *struct {
		URLParams map[string]string `json:"urlParams"`
	} `json:"rp"`
	Cookies string `json:"cookies"`
}

func (s *Server) handleRawRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "User ID")
	if !ok {
		return
	}

	var body rawBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Request body is not valid JSON.", http.StatusBadRequest)
		return
	}
	if body.API == nil {
		http.Error(w, "Raw request did not indicate to use API or not.", http.StatusBadRequest)
		return
	}

	var form map[string]string
	if body.RP != nil {
		form = body.RP.URLParams
	}

	payload, err := s.gw.Raw(r.Context(), gateway.RawRequest{
		UserID:       id,
		PrivateToken: r.PathValue("private_token"),
		ClientIP:     clientIP(r),
		API:          *body.API,
		Path:         body.Path,
		Form:         form,
		Cookies:      body.Cookies,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id", "User ID")
	if !ok {
		return
	}

	deleted, err := s.gw.InvalidateCache(r.PathValue("cache_key"), id, r.PathValue("private_token"), clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// writeError maps the gateway's error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case gateway.IsValidation(err),
		errors.Is(err, account.ErrMissing),
		errors.Is(err, account.ErrTokenMismatch),
		errors.Is(err, account.ErrAlreadyVerified),
		errors.Is(err, gateway.ErrNotVerified),
		errors.Is(err, gateway.ErrTokenMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrFriendOnly):
		status = http.StatusForbidden
	case errors.Is(err, account.ErrVerificationBusy):
		status = http.StatusConflict
	case errors.Is(err, account.ErrOwnershipMismatch):
		status = http.StatusExpectationFailed
	case errors.Is(err, account.ErrUpstreamUnreachable),
		errors.Is(err, gateway.ErrUpstreamFailure),
		errors.Is(err, gateway.ErrUpstreamTimeout):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "Internal Server Error", status)
		return
	}

	http.Error(w, errorMessage(err), status)
}

// errorMessage strips wrapped causes so upstream details never leak to
// clients.
func errorMessage(err error) string {
	for _, sentinel := range []error{
		gateway.ErrRateLimited,
		gateway.ErrFriendOnly,
		gateway.ErrNotVerified,
		gateway.ErrTokenMismatch,
		gateway.ErrUpstreamFailure,
		gateway.ErrUpstreamTimeout,
		account.ErrMissing,
		account.ErrTokenMismatch,
		account.ErrAlreadyVerified,
		account.ErrVerificationBusy,
		account.ErrOwnershipMismatch,
		account.ErrUpstreamUnreachable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func pathInt(w http.ResponseWriter, r *http.Request, param, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(param), 10, 64)
	if err != nil {
		http.Error(w, name+" must be integer.", http.StatusBadRequest)
		return 0, false
	}
	if v <= 0 {
		http.Error(w, name+" must be greater than 0.", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
