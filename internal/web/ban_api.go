package web

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/inercia/bulwark/internal/ban"
	"github.com/inercia/bulwark/internal/netutil"
	"github.com/inercia/bulwark/internal/policy"
)

// BlockRequest is the body of POST /api/bans.
type BlockRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// blockResponse reports a block or domain unblock. Partial is set when some
// backend or the hosts file could not be updated.
type blockResponse struct {
	ban.BlockResult
	Partial bool `json:"partial"`
}

type unbanResponse struct {
	ban.UnbanResult
	Partial bool `json:"partial"`
}

// LoginFailureRequest is the body of POST /api/login-failures.
type LoginFailureRequest struct {
	Host   string `json:"host"`
	Source string `json:"source"`
}

// handleListBans handles GET /api/bans.
func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	entries, err := s.config.Bans.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, map[string]interface{}{
		"bans":  entries,
		"count": len(entries),
	})
}

// handleBlock handles POST /api/bans. The target is an IP, a CIDR or a
// domain name.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req BlockRequest
	if !parseJSONBody(w, r, &req) {
		return
	}

	res, err := s.config.Bans.Block(r.Context(), id.Subject, req.Target, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Partial() {
		s.logger.Warn("block_partial", "target", res.Target, "owner", id.Subject, "warnings", len(res.Warnings))
	}
	writeJSONOK(w, blockResponse{BlockResult: res, Partial: res.Partial()})
}

// handleCheckBan handles GET /api/bans/{target...}.
func (s *Server) handleCheckBan(w http.ResponseWriter, r *http.Request) {
	st, err := s.config.Bans.Check(r.Context(), r.PathValue("target"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, st)
}

// handleUnban handles DELETE /api/bans/{target...}. Addresses and CIDRs are
// unbanned directly; anything else is treated as a blocked domain.
func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := strings.TrimSpace(r.PathValue("target"))

	if isDomainTarget(target) {
		res, err := s.config.Bans.UnblockDomain(r.Context(), id.Subject, target)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONOK(w, blockResponse{BlockResult: res, Partial: res.Partial()})
		return
	}

	res, err := s.config.Bans.Unban(r.Context(), id.Subject, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, unbanResponse{UnbanResult: res, Partial: res.Partial()})
}

// isDomainTarget reports whether target names a domain rather than an
// address or CIDR. Malformed addresses are not domains and fail validation
// in Unban.
func isDomainTarget(target string) bool {
	if _, err := netutil.ParseSubject(target); err == nil {
		return false
	}
	return strings.IndexFunc(target, unicode.IsLetter) >= 0 && !strings.ContainsAny(target, ":/")
}

// handleUnblockSelf handles POST /api/bans/unblock-self: the caller lifts
// the ban on the address it is connecting from. The path is exempt from
// rate limiting so a banned operator can still reach it.
func (s *Server) handleUnblockSelf(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	clientIP := s.proxyChecker.ClientIP(r)
	res, err := s.config.Bans.Unban(r.Context(), id.Subject, clientIP)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("self_unblocked", "ip", clientIP, "owner", id.Subject)
	writeJSONOK(w, unbanResponse{UnbanResult: res, Partial: res.Partial()})
}

// handleLoginFailure handles POST /api/login-failures.
func (s *Server) handleLoginFailure(w http.ResponseWriter, r *http.Request) {
	var req LoginFailureRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	res, err := s.config.Bans.ReportLoginFailure(r.Context(), req.Host, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, res)
}

// handleAbuseReport handles GET /api/abuse/report. It does nothing; the rate
// limiter counts it like any other path and also bans loopback sources
// here, so it can be used to watch detection end to end.
func (s *Server) handleAbuseReport(w http.ResponseWriter, r *http.Request) {
	writeJSONOK(w, map[string]interface{}{
		"ok":     true,
		"source": s.proxyChecker.ClientIP(r),
	})
}

// handleGetPolicy handles GET /api/policy.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSONOK(w, s.config.Policy.Get(r.Context()))
}

// handlePatchPolicy handles PATCH /api/policy. Omitted fields keep their
// current values.
func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	if !parseJSONBody(w, r, &patch) {
		return
	}
	p, err := s.config.Policy.Update(r.Context(), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if id, err := identity(r); err == nil {
		s.logger.Info("policy_updated", "owner", id.Subject)
	}
	writeJSONOK(w, p)
}
