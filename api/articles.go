package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// =============================================================================
// ARTICLE HANDLERS
// =============================================================================

// ListArticles returns articles, optionally filtered by ?active=true|false.
func (h *Handler) ListArticles(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if s := r.URL.Query().Get("active"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter",
				clinic.Invalid("active", "boolean", "must be true or false"))
			return
		}
		active = &b
	}

	articles, err := h.Store.ListArticles(r.Context(), active)
	if err != nil {
		h.fail(w, r, "Failed to list articles", err)
		return
	}

	dtos := make([]ArticleDTO, len(articles))
	for i, a := range articles {
		dtos[i] = toArticleDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetArticle returns a single article.
func (h *Handler) GetArticle(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadArticle(w, r, clinic.ArticleID(chi.URLParam(r, "id")))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toArticleDTO(*a))
}

// CreateArticle creates an article. Codes are stored trimmed and
// upper-cased and must be unique.
func (h *Handler) CreateArticle(w http.ResponseWriter, r *http.Request) {
	var req ArticleRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	req.normalize()
	if err := clinic.Validate(req); err != nil {
		h.fail(w, r, "Invalid article", err)
		return
	}

	now := clinic.Truncate(h.now())
	a := clinic.Article{
		ID:        clinic.ArticleID(newID()),
		Code:      req.Code,
		Name:      req.Name,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.SaveArticle(r.Context(), a); err != nil {
		h.fail(w, r, "Failed to create article", err)
		return
	}
	writeJSON(w, http.StatusCreated, toArticleDTO(a))
}

// UpdateArticle edits code, name and active flag.
func (h *Handler) UpdateArticle(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadArticle(w, r, clinic.ArticleID(chi.URLParam(r, "id")))
	if !ok {
		return
	}

	var req ArticleRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "Invalid request body", err)
		return
	}
	req.normalize()
	if err := clinic.Validate(req); err != nil {
		h.fail(w, r, "Invalid article", err)
		return
	}

	a := *current
	a.Code = req.Code
	a.Name = req.Name
	if req.Active != nil {
		a.Active = *req.Active
	}
	a.UpdatedAt = clinic.Truncate(h.now())
	if err := h.Store.SaveArticle(r.Context(), a); err != nil {
		h.fail(w, r, "Failed to update article", err)
		return
	}
	writeJSON(w, http.StatusOK, toArticleDTO(a))
}

// DeleteArticle removes an article. An article referenced by any condition
// is deactivated instead, and the response says so.
func (h *Handler) DeleteArticle(w http.ResponseWriter, r *http.Request) {
	a, ok := h.loadArticle(w, r, clinic.ArticleID(chi.URLParam(r, "id")))
	if !ok {
		return
	}

	refs, err := h.Store.CountConditionsForArticle(r.Context(), a.ID)
	if err != nil {
		h.fail(w, r, "Failed to check article usage", err)
		return
	}
	if refs > 0 {
		a.Active = false
		a.UpdatedAt = clinic.Truncate(h.now())
		if err := h.Store.SaveArticle(r.Context(), *a); err != nil {
			h.fail(w, r, "Failed to deactivate article", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deactivated": true,
			"article":     toArticleDTO(*a),
		})
		return
	}

	if err := h.Store.DeleteArticle(r.Context(), a.ID); err != nil {
		h.fail(w, r, "Failed to delete article", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadArticle(w http.ResponseWriter, r *http.Request, id clinic.ArticleID) (*clinic.Article, bool) {
	a, err := h.Store.GetArticle(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get article", err)
		return nil, false
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Article not found", nil)
		return nil, false
	}
	return a, true
}

func (req *ArticleRequest) normalize() {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
}
