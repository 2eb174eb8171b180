package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/invoicing"
	"pondycafe/backend/internal/logging"
	"pondycafe/backend/internal/service"
	"pondycafe/backend/internal/store"
)

const apiPrefix = "/api/v1"

type API struct {
	service       *service.Service
	allowedOrigin string
	log           *logrus.Logger
}

func New(svc *service.Service, allowedOrigin string, log *logrus.Logger) *API {
	if log == nil {
		log = logging.Discard()
	}
	return &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
		log:           log,
	}
}

// envelope is the response shape the till's script expects from every call.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type invoiceCreated struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	domain.InvoiceResult
}

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	// Routes stay on the root router so a method mismatch answers 405.
	r.HandleFunc(apiPrefix+"/products", a.handleListProducts).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/products", a.handleCreateProduct).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/products/{id:[0-9]+}", a.handleGetProduct).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/products/{id:[0-9]+}", a.handleUpdateProduct).Methods(http.MethodPatch)
	r.HandleFunc(apiPrefix+"/products/{id:[0-9]+}", a.handleDeleteProduct).Methods(http.MethodDelete)
	r.HandleFunc(apiPrefix+"/products/{id:[0-9]+}/stock-history", a.handleStockHistory).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/customers", a.handleListCustomers).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/invoices", a.handleCreateInvoice).Methods(http.MethodPost)
	r.HandleFunc(apiPrefix+"/invoices", a.handleListInvoices).Methods(http.MethodGet)
	r.HandleFunc(apiPrefix+"/invoices/{number}", a.handleGetInvoice).Methods(http.MethodGet)

	return a.withMiddleware(r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Product added successfully", Data: product})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	product, err := a.service.GetProduct(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	product, err := a.service.UpdateProduct(r.Context(), id, req)
	if err != nil {
		a.writeServiceError(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Product updated successfully", Data: product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := a.service.DeleteProduct(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Product deleted successfully"})
}

func (a *API) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	history, err := a.service.ListStockHistory(r.Context(), id, limit)
	if err != nil {
		a.writeServiceError(w, r, err, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: history})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 100)
	customers, err := a.service.ListCustomers(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: customers})
}

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var in service.InvoiceInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := a.service.CreateInvoice(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, invoiceCreated{
		Success:       true,
		Message:       "Invoice saved successfully",
		InvoiceResult: result,
	})
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	invoices, err := a.service.ListInvoices(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: invoices})
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetInvoice(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		a.writeServiceError(w, r, err, "Invoice not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: invoice})
}

// writeServiceError maps service and store errors onto status codes. Invoice
// storage failures carry the store's message through to the till.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundMessage string) {
	var writeErr *invoicing.WriteError

	switch {
	case service.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, invoicing.ErrProductNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, invoicing.ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "Another sale touched the same items, please try again")
	case errors.Is(err, store.ErrNotFound) && notFoundMessage != "":
		writeError(w, http.StatusNotFound, notFoundMessage)
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input")
	case errors.As(err, &writeErr):
		logging.FromContext(r.Context()).WithError(err).WithField("item", writeErr.Item).Error("invoice storage failure")
		writeError(w, http.StatusInternalServerError, writeErr.Error())
	default:
		logging.FromContext(r.Context()).WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "Product ID required")
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dest any) error {
	return json.NewDecoder(r.Body).Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
