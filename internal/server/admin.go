package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

const maxAdminBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// requireAdmin wraps h with authentication and the admin permission check.
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		player, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !player.IsAdmin() {
			log.Printf("admin: %s (%s) denied %s %s", player.Username, player.ID, r.Method, r.URL.Path)
			writeError(w, http.StatusForbidden, "admin permission required")
			return
		}
		h(w, r)
	}
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/settings", s.requireAdmin(s.handleGetSettings))
	mux.HandleFunc("PUT /admin/settings", s.requireAdmin(s.handlePutSettings))
	mux.HandleFunc("GET /admin/recipes", s.requireAdmin(s.handleListRecipes))
	mux.HandleFunc("GET /admin/recipes/{id}", s.requireAdmin(s.handleGetRecipe))
	mux.HandleFunc("PUT /admin/recipes/{id}", s.requireAdmin(s.handlePutRecipe))
	mux.HandleFunc("DELETE /admin/recipes/{id}", s.requireAdmin(s.handleDeleteRecipe))
	mux.HandleFunc("GET /admin/audit", s.requireAdmin(s.handleAudit))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.Settings(r.Context())
	if err != nil {
		s.internalError(w, "read settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings recipe.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if err := s.service.UpdateSettings(r.Context(), settings); err != nil {
		s.internalError(w, "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleListRecipes lists every recipe, or with ?produces= or ?uses= only
// those with that result or ingredient (refs as ball:<species>[special] or
// item:<id>).
func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	produces, uses := q.Get("produces"), q.Get("uses")
	if produces != "" && uses != "" {
		writeError(w, http.StatusBadRequest, "use either produces or uses, not both")
		return
	}

	var (
		recipes []*recipe.Recipe
		err     error
	)
	switch {
	case produces != "":
		ref, perr := inventory.ParseRef(produces)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		recipes, err = s.service.RecipesProducing(r.Context(), ref)
	case uses != "":
		ref, perr := inventory.ParseRef(uses)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		recipes, err = s.service.RecipesUsing(r.Context(), ref)
	default:
		recipes, err = s.service.Recipes(r.Context())
	}
	if err != nil {
		s.internalError(w, "list recipes", err)
		return
	}
	if recipes == nil {
		recipes = []*recipe.Recipe{}
	}
	writeJSON(w, http.StatusOK, recipes)
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Recipe(r.Context(), recipe.ID(r.PathValue("id")))
	if errors.Is(err, recipe.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "read recipe", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutRecipe(w http.ResponseWriter, r *http.Request) {
	var rec recipe.Recipe
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid recipe: "+err.Error())
		return
	}
	id := recipe.ID(r.PathValue("id"))
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		writeError(w, http.StatusBadRequest, "recipe id does not match path")
		return
	}
	err := s.service.UpsertRecipe(r.Context(), &rec)
	if errors.Is(err, recipe.ErrInvalidRecipe) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "save recipe", err)
		return
	}
	saved, err := s.service.Recipe(r.Context(), id)
	if err != nil {
		s.internalError(w, "read recipe", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteRecipe(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteRecipe(r.Context(), recipe.ID(r.PathValue("id")))
	if errors.Is(err, recipe.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "delete recipe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Player: inventory.PlayerID(q.Get("player")),
		Recipe: recipe.ID(q.Get("recipe")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	records, err := s.service.AuditLog(r.Context(), f)
	if err != nil {
		s.internalError(w, "query audit", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("admin: %s failed: %v", op, err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}
