package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/confirmation"
	"escrowflow/escalation"
	"escrowflow/logging"
	"escrowflow/order"
	"escrowflow/shipping"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type orderReader interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Events(ctx context.Context, orderID string) ([]order.Event, error)
}

type confirmer interface {
	Confirm(ctx context.Context, orderID, actorID string) (confirmation.Outcome, error)
}

type shipper interface {
	RequestShipping(ctx context.Context, orderID, actorID string) (shipping.Outcome, error)
	ApproveShipping(ctx context.Context, orderID, actorID string) (shipping.Outcome, error)
}

type escalationService interface {
	Escalate(ctx context.Context, params escalation.EscalateParams) (escalation.Record, error)
	Resolve(ctx context.Context, params escalation.ResolveParams) (escalation.Record, error)
	Get(ctx context.Context, id string) (escalation.Record, error)
	List(ctx context.Context, filters escalation.Filters) (escalation.ListResult, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the escrow workflow over HTTP.
type Server struct {
	orders        orderReader
	confirmations confirmer
	shipping      shipper
	escalations   escalationService
	tokens        tokenVerifier
	health        func(context.Context) error
	logger        *zap.Logger
}

var validate = validator.New()

// Router builds the route table. Everything under /api requires a bearer token.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/events", s.handleListOrderEvents).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/disputes", s.handleCreateDispute).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/shipping/request", s.handleRequestShipping).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/shipping/approve", s.handleApproveShipping).Methods(http.MethodPost)
	api.HandleFunc("/escalations", s.handleListEscalations).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}", s.handleGetEscalation).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/resolve", s.handleResolveEscalation).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "escrow-api")
}

func (s *Server) log() *zap.Logger { return logging.OrNop(s.logger) }

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || s.tokens == nil {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) (string, auth.Role) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleListOrderEvents(w http.ResponseWriter, r *http.Request) {
	o, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}
	events, err := s.orders.Events(r.Context(), o.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	items := make([]orderEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, toOrderEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// visibleOrder loads the order named in the path. Strangers get a 404 so
// order ids do not leak.
func (s *Server) visibleOrder(w http.ResponseWriter, r *http.Request) (order.Order, bool) {
	userID, role := userFrom(r.Context())
	o, err := s.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return order.Order{}, false
	}
	if _, err := o.PartyOf(userID); err != nil && role != auth.RoleAdmin {
		s.writeDomainError(w, order.ErrOrderNotFound)
		return order.Order{}, false
	}
	return o, true
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r.Context())
	out, err := s.confirmations.Confirm(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		Order:           toOrderResponse(out.Order),
		Changed:         out.Changed,
		Completed:       out.Completed,
		AlreadyResolved: out.AlreadyResolved,
	})
}

type disputeRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r.Context())
	var req disputeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.escalations.Escalate(r.Context(), escalation.EscalateParams{
		OrderID: mux.Vars(r)["id"],
		ActorID: userID,
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscalationResponse(rec))
}

func (s *Server) handleRequestShipping(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r.Context())
	out, err := s.shipping.RequestShipping(r.Context(), mux.Vars(r)["id"], userID)
	s.writeShipping(w, out, err)
}

func (s *Server) handleApproveShipping(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r.Context())
	out, err := s.shipping.ApproveShipping(r.Context(), mux.Vars(r)["id"], userID)
	s.writeShipping(w, out, err)
}

func (s *Server) writeShipping(w http.ResponseWriter, out shipping.Outcome, err error) {
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shippingResponse{
		Order:    toOrderResponse(out.Order),
		Changed:  out.Changed,
		Switched: out.Switched,
	})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	if _, role := userFrom(r.Context()); role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	q := r.URL.Query()
	filters := escalation.Filters{
		OrderID: q.Get("orderId"),
		State:   escalation.State(q.Get("state")),
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page must be a number")
			return
		}
		filters.Page = page
	}
	if v := q.Get("pageSize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pageSize must be a number")
			return
		}
		filters.PageSize = size
	}

	result, err := s.escalations.List(r.Context(), filters)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	items := make([]escalationResponse, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, toEscalationResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	userID, role := userFrom(r.Context())
	rec, err := s.escalations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if role != auth.RoleAdmin {
		o, err := s.orders.Get(r.Context(), rec.OrderID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if _, err := o.PartyOf(userID); err != nil {
			s.writeDomainError(w, escalation.ErrEscalationNotFound)
			return
		}
	}
	writeJSON(w, http.StatusOK, toEscalationResponse(rec))
}

type resolveRequest struct {
	Action string `json:"action" validate:"required,oneof=released refunded"`
	Notes  string `json:"notes" validate:"max=4000"`
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r.Context())
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.escalations.Resolve(r.Context(), escalation.ResolveParams{
		EscalationID: mux.Vars(r)["id"],
		AdminID:      userID,
		Action:       escalation.Action(req.Action),
		Notes:        req.Notes,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationResponse(rec))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, validationMessage(fe))
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": details})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	default:
		return field + " is invalid"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, escalation.ErrEscalationNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrNotAParty), errors.Is(err, escalation.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, order.ErrPreconditionFailed),
		errors.Is(err, order.ErrAlreadyResolved),
		errors.Is(err, escalation.ErrEscalationOpen):
		return http.StatusConflict
	case errors.Is(err, order.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", zap.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type orderResponse struct {
	ID                   string  `json:"id"`
	BuyerID              string  `json:"buyerId"`
	SellerID             string  `json:"sellerId"`
	PriceCents           int64   `json:"priceCents"`
	Currency             string  `json:"currency"`
	Status               string  `json:"status"`
	EscrowStatus         string  `json:"escrowStatus"`
	DeliveryOption       string  `json:"deliveryOption"`
	BuyerConfirmedAt     *string `json:"buyerConfirmedAt,omitempty"`
	SellerConfirmedAt    *string `json:"sellerConfirmedAt,omitempty"`
	ConfirmationDeadline *string `json:"confirmationDeadline,omitempty"`
	ShippedAt            *string `json:"shippedAt,omitempty"`
	DeliveredAt          *string `json:"deliveredAt,omitempty"`
	ShippingRequestedAt  *string `json:"shippingRequestedAt,omitempty"`
	ShippingRequestedBy  *string `json:"shippingRequestedBy,omitempty"`
	BuyerApprovedShip    bool    `json:"buyerApprovedShipping"`
	SellerApprovedShip   bool    `json:"sellerApprovedShipping"`
	UpdatedAt            string  `json:"updatedAt"`
}

type orderEventResponse struct {
	Type      string         `json:"type"`
	ActorID   *string        `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

type confirmResponse struct {
	Order           orderResponse `json:"order"`
	Changed         bool          `json:"changed"`
	Completed       bool          `json:"completed"`
	AlreadyResolved bool          `json:"alreadyResolved"`
}

type shippingResponse struct {
	Order    orderResponse `json:"order"`
	Changed  bool          `json:"changed"`
	Switched bool          `json:"switched"`
}

type escalationResponse struct {
	ID               string  `json:"id"`
	OrderID          string  `json:"orderId"`
	Type             string  `json:"type"`
	EscalatedBy      *string `json:"escalatedBy,omitempty"`
	Reason           string  `json:"reason"`
	CreatedAt        string  `json:"createdAt"`
	ResolvedAt       *string `json:"resolvedAt,omitempty"`
	ResolvedBy       *string `json:"resolvedBy,omitempty"`
	ResolutionAction *string `json:"resolutionAction,omitempty"`
	ResolutionNotes  *string `json:"resolutionNotes,omitempty"`
	Label            string  `json:"label"`
	Badge            string  `json:"badge"`
	Tone             string  `json:"tone"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:                   o.ID,
		BuyerID:              o.BuyerID,
		SellerID:             o.SellerID,
		PriceCents:           o.PriceCents,
		Currency:             o.Currency,
		Status:               string(o.Status),
		EscrowStatus:         string(o.EscrowStatus),
		DeliveryOption:       string(o.DeliveryOption),
		BuyerConfirmedAt:     formatTime(o.BuyerConfirmedAt),
		SellerConfirmedAt:    formatTime(o.SellerConfirmedAt),
		ConfirmationDeadline: formatTime(o.ConfirmationDeadline),
		ShippedAt:            formatTime(o.ShippedAt),
		DeliveredAt:          formatTime(o.DeliveredAt),
		ShippingRequestedAt:  formatTime(o.ShippingRequestedAt),
		ShippingRequestedBy:  o.ShippingRequestedBy,
		BuyerApprovedShip:    o.BuyerApprovedShipping,
		SellerApprovedShip:   o.SellerApprovedShipping,
		UpdatedAt:            o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toOrderEventResponse(ev order.Event) orderEventResponse {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return orderEventResponse{
		Type:      string(ev.Type),
		ActorID:   ev.ActorID,
		Payload:   payload,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toEscalationResponse(rec escalation.Record) escalationResponse {
	display := rec.Display()
	resp := escalationResponse{
		ID:              rec.ID,
		OrderID:         rec.OrderID,
		Type:            string(rec.Type),
		EscalatedBy:     rec.EscalatedBy,
		Reason:          rec.Reason,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		ResolvedAt:      formatTime(rec.ResolvedAt),
		ResolvedBy:      rec.ResolvedBy,
		ResolutionNotes: rec.ResolutionNotes,
		Label:           display.Label,
		Badge:           display.Badge,
		Tone:            string(display.Tone),
	}
	if rec.ResolutionAction != nil {
		action := string(*rec.ResolutionAction)
		resp.ResolutionAction = &action
	}
	return resp
}
