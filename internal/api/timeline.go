package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/ashureev/aura-client/internal/identity"
	"github.com/ashureev/aura-client/internal/present"
	"github.com/ashureev/aura-client/internal/timeline"
	"github.com/go-chi/chi/v5"
)

type timelineView struct {
	IdentityID string         `json:"identity_id"`
	Entries    []domain.Entry `json:"entries"`
	Cards      []present.Card `json:"cards"`
	Warning    string         `json:"warning,omitempty"`
}

const rateLimitRemainingHeader = "X-RateLimit-Remaining"

type messageRequest struct {
	Text string `json:"text"`
}

type summaryView struct {
	Summary present.Summary    `json:"summary"`
	Topics  []present.TagCount `json:"topics"`
}

func (h *Handler) timelineView(tl timeline.Timeline) timelineView {
	return timelineView{
		IdentityID: tl.IdentityID,
		Entries:    tl.Entries,
		Cards:      present.Cards(tl.Entries, h.now()),
	}
}

// GetTimeline returns the merged timeline, oldest first, with its display
// rows. With ?recent=N it returns only the N newest entries, newest first.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if h.timeline.IdentityID() != userID {
		h.writeError(w, r, timeline.ErrIdentityChanged)
		return
	}

	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "recent must be a positive integer")
			return
		}
		entries := h.timeline.Recent(n)
		now := h.now()
		cards := make([]present.Card, 0, len(entries))
		for _, e := range entries {
			cards = append(cards, present.NewCard(e, now))
		}
		JSON(w, http.StatusOK, timelineView{IdentityID: userID, Entries: entries, Cards: cards})
		return
	}

	JSON(w, http.StatusOK, h.timelineView(h.timeline.Snapshot()))
}

// LoadTimeline fetches persisted history and merges it. A failed fetch still
// returns the current timeline, with a warning.
func (h *Handler) LoadTimeline(w http.ResponseWriter, r *http.Request) {
	limit := h.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tl, err := h.timeline.LoadPersisted(r.Context(), identity.UserIDFromContext(r.Context()), limit)
	var warn *timeline.ReconciliationWarning
	switch {
	case errors.As(err, &warn):
		view := h.timelineView(tl)
		view.Warning = "couldn't load your history, showing this session only"
		JSON(w, http.StatusOK, view)
	case err != nil:
		h.writeError(w, r, err)
	default:
		JSON(w, http.StatusOK, h.timelineView(tl))
	}
}

// PostMessage submits a prompt. By default it answers 202 with the entry id
// and the reply arrives on the feed; with ?wait=true it answers with the
// settled entry. X-RateLimit-Remaining carries the prompts left in the
// current window.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	key := identity.RateKey(ctx)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		entry, err := h.conv.Send(ctx, key, req.Text)
		h.setRemaining(w, key)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, entry)
		return
	}

	id, err := h.conv.Submit(ctx, key, req.Text)
	h.setRemaining(w, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) setRemaining(w http.ResponseWriter, key string) {
	w.Header().Set(rateLimitRemainingHeader, strconv.Itoa(h.conv.Remaining(key)))
}

// RetryMessage re-sends a failed entry into the same slot.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.conv.Retry(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// GetSummary returns timeline counts and topic tags. Live entries join the
// topic counts only with ?include_live=true.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	includeLive, _ := strconv.ParseBool(r.URL.Query().Get("include_live"))
	entries := h.timeline.Snapshot().Entries
	JSON(w, http.StatusOK, summaryView{
		Summary: present.SummaryCounts(entries),
		Topics:  present.TopicTags(entries, includeLive),
	})
}
