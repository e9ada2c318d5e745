package links

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
)

// AccessPasswordHeader carries the optional access password.
const AccessPasswordHeader = "X-Access-Password"

// Handler serves the anonymous link endpoint.
type Handler struct {
	links *Service
}

// NewHandler creates the handler.
func NewHandler(links *Service) *Handler {
	return &Handler{links: links}
}

// Routes returns a chi router with the link routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/{token}", h.Access)
	r.Post("/{id}/{token}", h.Access)
	return r
}

type response struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PasswordResponse is the body of a successful access.
type PasswordResponse struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DataType    string `json:"data_type"`
	Payload     string `json:"payload"`
}

// Access handles GET and POST /links/{id}/{token}. The access password is
// only read from the header on POST so it never ends up in a URL.
func (h *Handler) Access(w http.ResponseWriter, r *http.Request) {
	var accessPassword *crypto.Hidden
	if r.Method == http.MethodPost {
		if v := r.Header.Get(AccessPasswordHeader); v != "" {
			accessPassword = crypto.HiddenString(v)
			defer accessPassword.Destroy()
		}
	}

	p, payload, err := h.links.Access(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "token"), accessPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	defer payload.Destroy()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, response{Data: PasswordResponse{
		Title:       p.Title,
		Description: p.Description,
		DataType:    p.DataType,
		Payload:     payload.Expose(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := models.Code(err)
	writeJSON(w, statusFor(code), response{Error: &errorBody{
		Code:    code,
		Message: models.PublicMessage(err),
	}})
}

func statusFor(code string) int {
	switch code {
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodePolicy:
		return http.StatusGone
	case models.ErrCodeDecryption, models.ErrCodeAuth:
		return http.StatusUnauthorized
	case models.ErrCodeIntegrity, models.ErrCodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
