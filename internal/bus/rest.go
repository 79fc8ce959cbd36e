package bus

import (
	"encoding/json"
	"net/http"
	"strconv"

	"proxchat/internal/protocol"
	"proxchat/internal/session"
)

type healthResponse struct {
	Status   string `json:"status"`
	Peers    int    `json:"peers"`
	Names    int    `json:"names"`
	Sessions int    `json:"sessions"`
}

type sessionDetail struct {
	*session.Session
	MemberList []session.Member `json:"memberList"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Peers:    s.clients.Count(),
		Names:    s.names.Count(),
		Sessions: len(s.sessions.List()),
	})
}

func (s *Server) handleListNames(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	writeJSON(w, http.StatusOK, s.names.Match(prefix))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sess, err := s.sessions.Get(name)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	members, err := s.sessions.Members(name)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, MemberList: members})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := s.sessions.History(r.PathValue("name"), limit)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleDissolveSession lets an operator withdraw a name and close its session.
func (s *Server) handleDissolveSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	ad, ok := s.names.Remove(name)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	const reason = "dissolved by operator"
	s.dissolve(name, reason)
	s.sendToPeer(ad.Owner, protocol.TypeSessionLost, protocol.SessionLostPayload{Name: name, Reason: reason})
	s.notifyLost(name)

	writeJSON(w, http.StatusOK, map[string]string{"status": "dissolved"})
}
