package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/store"
)

func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	var in engine.EntityInput
	if !decode(w, r, &in) {
		return
	}
	in.EntityID = chi.URLParam(r, "entityID")

	versionID, err := s.engine.UpsertEntity(r.Context(), in, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"entity_id":  in.EntityID,
		"version_id": versionID,
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetCurrentEntity(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// bitemporalPoint reads ?valid=&stored=. Stored defaults to now and valid to
// the stored time.
func (s *Server) bitemporalPoint(r *http.Request) (validAt, storedAt time.Time, err error) {
	if validAt, err = queryTime(r, "valid"); err != nil {
		return
	}
	if storedAt, err = queryTime(r, "stored"); err != nil {
		return
	}
	if storedAt.IsZero() {
		storedAt = s.Now()
	}
	if validAt.IsZero() {
		validAt = storedAt
	}
	return
}

func (s *Server) handleEntityAsOf(w http.ResponseWriter, r *http.Request) {
	validAt, storedAt, err := s.bitemporalPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.engine.GetEntityAsOf(r.Context(), chi.URLParam(r, "entityID"), validAt, storedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	versions, err := s.engine.EntityHistory(r.Context(), entityID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"count":     len(versions),
		"versions":  versions,
	})
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RecordAccess(r.Context(), chi.URLParam(r, "entityID"), s.Now()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEndEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ValidTo time.Time `json:"valid_to"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ValidTo.IsZero() {
		badRequest(w, "valid_to required")
		return
	}
	versionID, err := s.engine.EndEntity(r.Context(), chi.URLParam(r, "entityID"), req.ValidTo, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}

func (s *Server) handleUpsertRelationship(w http.ResponseWriter, r *http.Request) {
	var in engine.RelationshipInput
	if !decode(w, r, &in) {
		return
	}
	versionID, err := s.engine.UpsertRelationship(r.Context(), in, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"relationship_id": store.RelationshipID(in.FromEntityID, engine.NormalizeKey(in.RelationshipType), in.ToEntityID),
		"version_id":      versionID,
	})
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	validAt, storedAt, err := s.bitemporalPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	edges, err := s.engine.Traverse(r.Context(), chi.URLParam(r, "entityID"),
		r.URL.Query().Get("type"), validAt, storedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(edges),
		"edges": edges,
	})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var obs engine.Observation
	if !decode(w, r, &obs) {
		return
	}
	obs.OwnerID = chi.URLParam(r, "ownerID")
	obs.Key = chi.URLParam(r, "key")

	p, err := s.engine.Observe(r.Context(), obs, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "ownerID"), chi.URLParam(r, "key"), asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.engine.CurrentPreferences(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(prefs),
		"preferences": prefs,
	})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var ev store.Event
	if !decode(w, r, &ev) {
		return
	}
	inserted, err := s.engine.AppendEvent(r.Context(), &ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"event_id": ev.EventID,
		"inserted": inserted,
	})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	var (
		patterns []store.Pattern
		err      error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		patterns, err = s.engine.Patterns(r.Context(), ownerID)
	} else {
		patterns, err = s.engine.ActivePatterns(r.Context(), ownerID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(patterns),
		"patterns": patterns,
	})
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var in engine.ItemInput
	if !decode(w, r, &in) {
		return
	}
	it, err := s.engine.AddItem(r.Context(), in, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCompleteItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.CompleteItem(r.Context(), chi.URLParam(r, "itemID"), s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.CancelItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Items(r.Context(), chi.URLParam(r, "ownerID"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(items),
		"items": items,
	})
}

func (s *Server) handleDueItems(w http.ResponseWriter, r *http.Request) {
	due, err := s.engine.DueForReplenishment(r.Context(), chi.URLParam(r, "ownerID"), s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(due),
		"items": due,
	})
}

// Job triggers run one pass synchronously with the engine's configured
// parameters and return its report.

func (s *Server) handleDecayJob(w http.ResponseWriter, r *http.Request) {
	opts := s.engine.Opts
	report, err := s.engine.DecayPass(r.Context(), s.Now(), opts.HalfLifeDays, opts.DecayFloor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweepJob(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Sweep(r.Context(), s.Now(), s.engine.Opts.MaxAgeDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePatternJob(w http.ResponseWriter, r *http.Request) {
	var (
		report engine.DetectReport
		err    error
	)
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		report, err = s.engine.DetectPatterns(r.Context(), owner, s.Now())
	} else {
		report, err = s.engine.DetectAll(r.Context(), s.Now())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
