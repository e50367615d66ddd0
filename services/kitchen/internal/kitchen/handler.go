package kitchen

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const MaxBodyBytes = 1 << 20

// HandlerDeps groups the collaborators of the HTTP API. Cache and Metrics
// are optional.
type HandlerDeps struct {
	Service *Service
	Cache   *StateCache
	Metrics prometheus.Gatherer
}

type Handler struct {
	service *Service
	cache   *StateCache
	metrics prometheus.Gatherer
	logger  aqm.Logger
	config  *aqm.Config
	tlm     *telemetry.HTTP
}

func NewHandler(deps HandlerDeps, config *aqm.Config, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		service: deps.Service,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		logger:  logger,
		config:  config,
		tlm:     telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", h.CreateTicket)
		r.Get("/", h.ListTickets)
		r.Get("/{id}", h.GetTicket)
		r.Patch("/{id}/cancel", h.CancelTicket)
	})
	r.Patch("/items/{id}/state", h.SetItemState)

	if h.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.metrics, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CreateTicket")
	defer finish()
	log := h.log(r)

	var req NewTicket
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	ticket, err := h.service.CreateTicket(r.Context(), req)
	if err != nil {
		log.Errorf("cannot create ticket: %v", err)
		RespondServiceError(w, err)
		return
	}

	aqm.Respond(w, http.StatusCreated, ticket.View(), nil)
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListTickets")
	defer finish()
	log := h.log(r)
	q := r.URL.Query()

	branch := q.Get("branch")
	station := q.Get("station")
	state := q.Get("state")

	// Live board queries are served from the cache.
	if h.cache != nil && branch != "" && q.Get("source") != "store" {
		var tickets []event.TicketView
		if station != "" {
			tickets = h.cache.ByStation(branch, station)
		} else {
			tickets = h.cache.Tickets(branch)
		}
		if state != "" {
			filtered := tickets[:0]
			for _, t := range tickets {
				if t.State == state {
					filtered = append(filtered, t)
				}
			}
			tickets = filtered
		}
		aqm.Respond(w, http.StatusOK, map[string]interface{}{
			"tickets": tickets,
		}, nil)
		return
	}

	filter := TicketFilter{}
	if branch != "" {
		filter.Branch = &branch
	}
	if station != "" {
		filter.Station = &station
	}
	if state != "" {
		filter.State = &state
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = n
	}

	tickets, err := h.service.ListTickets(r.Context(), filter)
	if err != nil {
		log.Errorf("cannot list tickets: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list tickets")
		return
	}

	views := make([]event.TicketView, 0, len(tickets))
	for i := range tickets {
		views = append(views, tickets[i].View())
	}
	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"tickets": views,
	}, nil)
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetTicket")
	defer finish()
	log := h.log(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid ticket ID")
		return
	}

	ticket, err := h.service.GetTicket(r.Context(), id)
	if err != nil {
		log.Errorf("cannot find ticket: %v", err)
		RespondServiceError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, ticket.View(), nil)
}

func (h *Handler) SetItemState(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SetItemState")
	defer finish()
	log := h.log(r)

	var req ItemTransition
	if !decodeBody(w, r, &req) {
		return
	}
	req.ItemID = chi.URLParam(r, "id")
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	ticket, err := h.service.SetItemState(r.Context(), req)
	if err != nil {
		log.Errorf("cannot set item state: %v", err)
		RespondServiceError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, ticket.View(), nil)
}

func (h *Handler) CancelTicket(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CancelTicket")
	defer finish()
	log := h.log(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid ticket ID")
		return
	}

	var payload struct {
		Reason    string `json:"reason"`
		RequestID string `json:"request_id"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.RequestID == "" {
		payload.RequestID = r.Header.Get("Idempotency-Key")
	}

	ticket, err := h.service.CancelTicket(r.Context(), id, payload.RequestID, payload.Reason)
	if err != nil {
		log.Errorf("cannot cancel ticket: %v", err)
		RespondServiceError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, ticket.View(), nil)
}

// decodeBody reads an optional JSON body into v. It writes the error
// response itself and returns false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

// RespondServiceError maps the store adapter error taxonomy to HTTP.
func RespondServiceError(w http.ResponseWriter, err error) {
	switch {
	case IsValidation(err):
		aqm.RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case IsNotFound(err):
		aqm.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateTicket):
		aqm.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrConfiguration):
		aqm.RespondError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		aqm.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		aqm.RespondError(w, http.StatusInternalServerError, "Internal error")
	}
}
