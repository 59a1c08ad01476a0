package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/chronicle/internal/store"
)

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	ctx, err := s.buildContext(r.Context(), ownerID, s.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner_id": ownerID,
		"context":  ctx,
	})
}

// buildContext renders what chronicle currently believes about an owner as
// markdown: preferences in force, the most relevant entities, live patterns
// and items due for replenishment.
func (s *Server) buildContext(ctx context.Context, ownerID string, now time.Time) (string, error) {
	prefs, err := s.engine.CurrentPreferences(ctx, ownerID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("<context>\n## Chronicle: " + ownerID + "\n")

	if len(prefs) > 0 {
		b.WriteString("\n### Preferences\n")
		for _, p := range prefs {
			b.WriteString(fmt.Sprintf("- %s: %s (confidence %.2f)\n", p.Key, p.Value, p.Confidence))
		}
	}

	// Rank entities valid now by decayed relevance, boosted by access
	// frequency, and cap the list.
	const maxContextEntities = 15

	entities, err := s.db.ListCurrentEntities(ctx, ownerID, now)
	if err != nil {
		return "", err
	}
	sort.SliceStable(entities, func(i, j int) bool {
		return entityScore(entities[i]) > entityScore(entities[j])
	})
	if len(entities) > maxContextEntities {
		entities = entities[:maxContextEntities]
	}
	if len(entities) > 0 {
		b.WriteString("\n### Entities\n")
		for _, e := range entities {
			b.WriteString(fmt.Sprintf("- [%s] %s (relevance %.2f)\n", e.EntityType, e.Name, e.RelevanceScore))
		}
	}

	patterns, err := s.engine.ActivePatterns(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if len(patterns) > 0 {
		b.WriteString("\n### Routines\n")
		for _, p := range patterns {
			b.WriteString(fmt.Sprintf("- %s %s every %.1f days, next %s\n",
				p.PatternType, p.SubjectEntityID, p.RecurrenceDays, p.NextPredicted.Format("2006-01-02 15:04")))
		}
	}

	due, err := s.engine.DueForReplenishment(ctx, ownerID, now)
	if err != nil {
		return "", err
	}
	if len(due) > 0 {
		b.WriteString("\n### Due\n")
		for _, d := range due {
			b.WriteString(fmt.Sprintf("- %s (%s) since %s\n", d.Name, d.Category, d.DueAt.Format("2006-01-02")))
		}
	}

	b.WriteString("</context>")
	return b.String(), nil
}

// entityScore ranks an entity for the digest: decayed relevance weighted by
// how often it has been touched. log2(access+1): 1→1.0, 3→2.0, 7→3.0.
func entityScore(v store.EntityVersion) float64 {
	accessBoost := 1.0
	if v.AccessCount > 0 {
		accessBoost = math.Log2(float64(v.AccessCount) + 1)
	}
	return v.RelevanceScore * accessBoost
}
