package server

import (
	"context"

	"StockLedger/internal/ingestion"
	"StockLedger/internal/projection"
	"StockLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

const ServiceName = "stockledger.v1.StockLedger"

// FullMethod returns the gRPC method path of a StockLedger method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Query request messages. Command requests are the ingestion wire types.

type StockKeyRequest struct {
	WarehouseID string `json:"warehouse_id" validate:"required"`
	Location    string `json:"location" validate:"required"`
	SKU         string `json:"sku" validate:"required"`
}

type GetReservationRequest struct {
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
}

type ListStockRequest struct {
	WarehouseID string `json:"warehouse_id,omitempty"`
	Location    string `json:"location,omitempty"`
	SKU         string `json:"sku,omitempty"`
}

type ListReservationsRequest struct {
	WarehouseID string `json:"warehouse_id,omitempty"`
	Status      string `json:"status,omitempty" validate:"omitempty,oneof=pending allocated picking consumed cancelled"`
	Limit       int    `json:"limit,omitempty" validate:"min=0"`
}

type MovementHistoryRequest struct {
	ListStockRequest
	Before int64 `json:"before,omitempty" validate:"min=0"`
	Limit  int   `json:"limit,omitempty" validate:"min=0"`
}

type ProjectionLagRequest struct{}

type ProjectionRequest struct {
	Name string `json:"name" validate:"required"`
}

type stockLedgerServer interface {
	execute(ctx context.Context, cmd ingestion.Command) (*ingestion.CommandResponse, error)
}

// Handler implements the StockLedger service on top of the engine and the
// query service. The gRPC descriptor and the HTTP gateway both call it.
type Handler struct {
	commands ingestion.Commands
	queries  *query.Service
}

func NewHandler(commands ingestion.Commands, queries *query.Service) *Handler {
	return &Handler{commands: commands, queries: queries}
}

func (h *Handler) execute(ctx context.Context, cmd ingestion.Command) (*ingestion.CommandResponse, error) {
	if err := ingestion.Validate(cmd); err != nil {
		return nil, toStatus(err)
	}
	res, err := cmd.Execute(ctx, h.commands)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := ingestion.NewCommandResponse(res)
	return &resp, nil
}

func validateRequest(v any) error {
	return toStatus(ingestion.ValidateStruct("request", v))
}

func (h *Handler) GetBalance(ctx context.Context, in *StockKeyRequest) (*query.BalanceResponse, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	resp, err := h.queries.GetBalance(ctx, in.WarehouseID, in.Location, in.SKU)
	return resp, toStatus(err)
}

func (h *Handler) GetAvailable(ctx context.Context, in *StockKeyRequest) (*query.AvailableResponse, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	resp, err := h.queries.GetAvailable(ctx, in.WarehouseID, in.Location, in.SKU)
	return resp, toStatus(err)
}

func (h *Handler) GetReservation(ctx context.Context, in *GetReservationRequest) (*query.ReservationResponse, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	resp, err := h.queries.GetReservation(ctx, uuid.MustParse(in.ReservationID))
	return resp, toStatus(err)
}

func (h *Handler) ListLocationBalances(ctx context.Context, in *ListStockRequest) (*query.LocationBalancesResponse, error) {
	resp, err := h.queries.ListLocationBalances(ctx, stockFilter(in))
	return resp, toStatus(err)
}

func (h *Handler) ListAvailableStock(ctx context.Context, in *ListStockRequest) (*query.AvailableStockResponse, error) {
	resp, err := h.queries.ListAvailableStock(ctx, stockFilter(in))
	return resp, toStatus(err)
}

func (h *Handler) ListReservations(ctx context.Context, in *ListReservationsRequest) (*query.ReservationSummariesResponse, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	resp, err := h.queries.ListReservations(ctx, query.ReservationFilter{
		WarehouseID: in.WarehouseID,
		Status:      in.Status,
		Limit:       in.Limit,
	})
	return resp, toStatus(err)
}

func (h *Handler) MovementHistory(ctx context.Context, in *MovementHistoryRequest) (*query.MovementHistoryResponse, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	resp, err := h.queries.MovementHistory(ctx, query.HistoryFilter{
		StockFilter: stockFilter(&in.ListStockRequest),
		Before:      in.Before,
		Limit:       in.Limit,
	})
	return resp, toStatus(err)
}

func (h *Handler) ProjectionLag(ctx context.Context, _ *ProjectionLagRequest) (*query.LagResponse, error) {
	resp, err := h.queries.ProjectionLag(ctx)
	return resp, toStatus(err)
}

func (h *Handler) RebuildProjection(ctx context.Context, in *ProjectionRequest) (*projection.Report, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	rep, err := h.queries.RebuildProjection(ctx, in.Name)
	return rep, toStatus(err)
}

func (h *Handler) VerifyProjection(ctx context.Context, in *ProjectionRequest) (*projection.Report, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	rep, err := h.queries.VerifyProjection(ctx, in.Name)
	return rep, toStatus(err)
}

func stockFilter(in *ListStockRequest) query.StockFilter {
	return query.StockFilter{WarehouseID: in.WarehouseID, Location: in.Location, SKU: in.SKU}
}

// unary builds a method descriptor that decodes Req with the JSON codec and
// runs call through the server's interceptor chain.
func unary[Req, Resp any](method string, call func(h *Handler, ctx context.Context, in *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*Handler)
			if interceptor == nil {
				return call(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(h, ctx, req.(*Req))
			})
		},
	}
}

// command adapts a command request type to unary.
func command[Req any, P interface {
	*Req
	ingestion.Command
}](method string) grpc.MethodDesc {
	return unary(method, func(h *Handler, ctx context.Context, in *Req) (*ingestion.CommandResponse, error) {
		return h.execute(ctx, P(in))
	})
}

// ServiceDesc describes stockledger.v1.StockLedger without generated code;
// messages are JSON.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*stockLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		command[ingestion.CreateReservationRequest]("CreateReservation"),
		command[ingestion.AllocateReservationRequest]("AllocateReservation"),
		command[ingestion.StartPickingRequest]("StartPicking"),
		command[ingestion.RecordStockMovementRequest]("RecordStockMovement"),
		command[ingestion.ConsumeReservationRequest]("ConsumeReservation"),
		command[ingestion.CancelReservationRequest]("CancelReservation"),
		unary("GetBalance", (*Handler).GetBalance),
		unary("GetAvailable", (*Handler).GetAvailable),
		unary("GetReservation", (*Handler).GetReservation),
		unary("ListLocationBalances", (*Handler).ListLocationBalances),
		unary("ListAvailableStock", (*Handler).ListAvailableStock),
		unary("ListReservations", (*Handler).ListReservations),
		unary("MovementHistory", (*Handler).MovementHistory),
		unary("ProjectionLag", (*Handler).ProjectionLag),
		unary("RebuildProjection", (*Handler).RebuildProjection),
		unary("VerifyProjection", (*Handler).VerifyProjection),
	},
	Streams: []grpc.StreamDesc{},
}
