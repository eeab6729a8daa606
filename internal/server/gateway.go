package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"StockLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorBody is the JSON body of a failed HTTP call.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// NewGatewayMux serves the StockLedger methods as HTTP/JSON on a
// grpc-gateway ServeMux, calling h in process.
func NewGatewayMux(h *Handler, logger zerolog.Logger) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, r := range routes(h, logger) {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func routes(h *Handler, logger zerolog.Logger) []route {
	return []route{
		{"POST", "/v1/reservations", commandRoute[ingestion.CreateReservationRequest](h, logger, "")},
		{"POST", "/v1/reservations/{reservation_id}/allocate", commandRoute[ingestion.AllocateReservationRequest](h, logger, "reservation_id")},
		{"POST", "/v1/reservations/{reservation_id}/start-picking", commandRoute[ingestion.StartPickingRequest](h, logger, "reservation_id")},
		{"POST", "/v1/reservations/{reservation_id}/consume", commandRoute[ingestion.ConsumeReservationRequest](h, logger, "reservation_id")},
		{"POST", "/v1/reservations/{reservation_id}/cancel", commandRoute[ingestion.CancelReservationRequest](h, logger, "reservation_id")},
		{"POST", "/v1/movements", commandRoute[ingestion.RecordStockMovementRequest](h, logger, "")},

		{"GET", "/v1/reservations/{reservation_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := h.GetReservation(r.Context(), &GetReservationRequest{ReservationID: p["reservation_id"]})
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/reservations", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			q := r.URL.Query()
			limit, err := intParam(q.Get("limit"))
			if err != nil {
				reply[any](w, logger, nil, err)
				return
			}
			resp, err := h.ListReservations(r.Context(), &ListReservationsRequest{
				WarehouseID: q.Get("warehouse_id"),
				Status:      q.Get("status"),
				Limit:       limit,
			})
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/stock/{warehouse_id}/{location}/{sku}/balance", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := h.GetBalance(r.Context(), stockKey(p))
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/stock/{warehouse_id}/{location}/{sku}/available", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := h.GetAvailable(r.Context(), stockKey(p))
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/balances", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := h.ListLocationBalances(r.Context(), listStock(r))
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/available", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := h.ListAvailableStock(r.Context(), listStock(r))
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/movements", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			q := r.URL.Query()
			before, err := strconv.ParseInt(defaultString(q.Get("before"), "0"), 10, 64)
			if err != nil {
				reply[any](w, logger, nil, status.Error(codes.InvalidArgument, "InvalidArgument: before must be an integer"))
				return
			}
			limit, err := intParam(q.Get("limit"))
			if err != nil {
				reply[any](w, logger, nil, err)
				return
			}
			resp, err := h.MovementHistory(r.Context(), &MovementHistoryRequest{
				ListStockRequest: *listStock(r),
				Before:           before,
				Limit:            limit,
			})
			reply(w, logger, resp, err)
		}},
		{"GET", "/v1/projections/lag", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := h.ProjectionLag(r.Context(), &ProjectionLagRequest{})
			reply(w, logger, resp, err)
		}},
		{"POST", "/v1/projections/{name}/verify", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := h.VerifyProjection(r.Context(), &ProjectionRequest{Name: p["name"]})
			reply(w, logger, resp, err)
		}},
		{"POST", "/v1/projections/{name}/rebuild", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := h.RebuildProjection(r.Context(), &ProjectionRequest{Name: p["name"]})
			reply(w, logger, resp, err)
		}},
	}
}

// commandRoute decodes the body into Req. A non-empty idParam overrides
// the reservation id in the body with the path parameter.
func commandRoute[Req any, P interface {
	*Req
	ingestion.Command
}](h *Handler, logger zerolog.Logger, idParam string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		in := P(new(Req))
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(in); err != nil {
				reply[any](w, logger, nil, status.Errorf(codes.InvalidArgument, "InvalidArgument: decode body: %v", err))
				return
			}
		}
		if idParam != "" {
			setReservationID(in, p[idParam])
		}
		if id := r.Header.Get("Idempotency-Key"); id != "" && in.Common().CommandID == "" {
			in.Common().CommandID = id
		}
		resp, err := h.execute(r.Context(), in)
		reply(w, logger, resp, err)
	}
}

func setReservationID(cmd ingestion.Command, id string) {
	switch c := cmd.(type) {
	case *ingestion.AllocateReservationRequest:
		c.ReservationID = id
	case *ingestion.StartPickingRequest:
		c.ReservationID = id
	case *ingestion.ConsumeReservationRequest:
		c.ReservationID = id
	case *ingestion.CancelReservationRequest:
		c.ReservationID = id
	}
}

func reply[T any](w http.ResponseWriter, logger zerolog.Logger, resp *T, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		st := status.Convert(err)
		code := runtime.HTTPStatusFromCode(st.Code())
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("gateway request failed")
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(errorBody{Code: st.Code().String(), Message: st.Message()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func stockKey(p map[string]string) *StockKeyRequest {
	return &StockKeyRequest{WarehouseID: p["warehouse_id"], Location: p["location"], SKU: p["sku"]}
}

func listStock(r *http.Request) *ListStockRequest {
	q := r.URL.Query()
	return &ListStockRequest{WarehouseID: q.Get("warehouse_id"), Location: q.Get("location"), SKU: q.Get("sku")}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "InvalidArgument: %q is not an integer", v)
	}
	return n, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
