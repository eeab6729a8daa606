package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"StockLedger/internal/core"
	"StockLedger/internal/event"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
)

// Command names, also the last token of the NATS command subjects.
const (
	CommandCreateReservation   = "create_reservation"
	CommandAllocateReservation = "allocate_reservation"
	CommandStartPicking        = "start_picking"
	CommandRecordStockMovement = "record_stock_movement"
	CommandConsumeReservation  = "consume_reservation"
	CommandCancelReservation   = "cancel_reservation"
)

// CommandNames lists every command accepted on the wire.
func CommandNames() []string {
	return []string{
		CommandCreateReservation,
		CommandAllocateReservation,
		CommandStartPicking,
		CommandRecordStockMovement,
		CommandConsumeReservation,
		CommandCancelReservation,
	}
}

// Commands is the write side of the engine.
type Commands interface {
	CreateReservation(ctx context.Context, cmd core.CreateReservationCmd) (core.Result, error)
	AllocateReservation(ctx context.Context, cmd core.AllocateReservationCmd) (core.Result, error)
	StartPicking(ctx context.Context, cmd core.StartPickingCmd) (core.Result, error)
	RecordStockMovement(ctx context.Context, cmd core.RecordStockMovementCmd) (core.Result, error)
	ConsumeReservation(ctx context.Context, cmd core.ConsumeReservationCmd) (core.Result, error)
	CancelReservation(ctx context.Context, cmd core.CancelReservationCmd) (core.Result, error)
}

// Command is a decoded and validated request.
type Command interface {
	Name() string
	Common() *Envelope
	Execute(ctx context.Context, c Commands) (core.Result, error)
}

var validate = validator.New()

// Envelope carries the fields every command shares. CommandID makes
// redelivery safe; when empty the transport may supply one.
type Envelope struct {
	CommandID     string `json:"command_id,omitempty" validate:"max=128"`
	Operator      string `json:"operator,omitempty" validate:"max=128"`
	CorrelationID string `json:"correlation_id,omitempty" validate:"max=128"`
	TraceParent   string `json:"traceparent,omitempty"`
}

func (e *Envelope) Common() *Envelope { return e }

func (e *Envelope) meta() core.CommandMeta {
	return core.CommandMeta{CommandID: e.CommandID, Operator: e.Operator, CorrelationID: e.CorrelationID}
}

// --- JSON wire formats ---

type LineRequest struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gt=0"`
}

type AllocationRequest struct {
	Location      string   `json:"location" validate:"required"`
	SKU           string   `json:"sku" validate:"required"`
	Quantity      int64    `json:"quantity" validate:"gt=0"`
	HandlingUnits []string `json:"handling_units,omitempty"`
}

type CreateReservationRequest struct {
	Envelope
	ReservationID string        `json:"reservation_id,omitempty" validate:"omitempty,uuid"`
	WarehouseID   string        `json:"warehouse_id" validate:"required"`
	Lines         []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (*CreateReservationRequest) Name() string { return CommandCreateReservation }

func (r *CreateReservationRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	cmd := core.CreateReservationCmd{Meta: r.meta(), WarehouseID: r.WarehouseID}
	if r.ReservationID != "" {
		cmd.ReservationID = uuid.MustParse(r.ReservationID)
	}
	for _, l := range r.Lines {
		cmd.Lines = append(cmd.Lines, event.Line{SKU: l.SKU, Quantity: l.Quantity})
	}
	return c.CreateReservation(ctx, cmd)
}

type AllocateReservationRequest struct {
	Envelope
	ReservationID string              `json:"reservation_id" validate:"required,uuid"`
	Allocations   []AllocationRequest `json:"allocations,omitempty" validate:"dive"`
}

func (*AllocateReservationRequest) Name() string { return CommandAllocateReservation }

func (r *AllocateReservationRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	cmd := core.AllocateReservationCmd{Meta: r.meta(), ReservationID: uuid.MustParse(r.ReservationID)}
	for _, a := range r.Allocations {
		cmd.Allocations = append(cmd.Allocations, event.Allocation{
			Location:      a.Location,
			SKU:           a.SKU,
			Quantity:      a.Quantity,
			HandlingUnits: a.HandlingUnits,
		})
	}
	return c.AllocateReservation(ctx, cmd)
}

type StartPickingRequest struct {
	Envelope
	ReservationID    string `json:"reservation_id" validate:"required,uuid"`
	IdempotencyToken string `json:"idempotency_token" validate:"required,max=128"`
}

func (*StartPickingRequest) Name() string { return CommandStartPicking }

func (r *StartPickingRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	return c.StartPicking(ctx, core.StartPickingCmd{
		Meta:             r.meta(),
		ReservationID:    uuid.MustParse(r.ReservationID),
		IdempotencyToken: r.IdempotencyToken,
	})
}

type RecordStockMovementRequest struct {
	Envelope
	WarehouseID  string `json:"warehouse_id" validate:"required"`
	SKU          string `json:"sku" validate:"required"`
	Quantity     int64  `json:"quantity" validate:"ne=0"`
	FromLocation string `json:"from_location,omitempty"`
	ToLocation   string `json:"to_location,omitempty"`
	Kind         string `json:"kind" validate:"required,oneof=receipt dispatch adjustment transfer"`
}

func (*RecordStockMovementRequest) Name() string { return CommandRecordStockMovement }

func (r *RecordStockMovementRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	return c.RecordStockMovement(ctx, core.RecordStockMovementCmd{
		Meta:         r.meta(),
		WarehouseID:  r.WarehouseID,
		SKU:          r.SKU,
		Quantity:     r.Quantity,
		FromLocation: r.FromLocation,
		ToLocation:   r.ToLocation,
		Kind:         r.Kind,
	})
}

type ConsumeReservationRequest struct {
	Envelope
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
}

func (*ConsumeReservationRequest) Name() string { return CommandConsumeReservation }

func (r *ConsumeReservationRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	return c.ConsumeReservation(ctx, core.ConsumeReservationCmd{
		Meta:          r.meta(),
		ReservationID: uuid.MustParse(r.ReservationID),
	})
}

type CancelReservationRequest struct {
	Envelope
	ReservationID string `json:"reservation_id" validate:"required,uuid"`
	Reason        string `json:"reason,omitempty" validate:"max=512"`
}

func (*CancelReservationRequest) Name() string { return CommandCancelReservation }

func (r *CancelReservationRequest) Execute(ctx context.Context, c Commands) (core.Result, error) {
	return c.CancelReservation(ctx, core.CancelReservationCmd{
		Meta:          r.meta(),
		ReservationID: uuid.MustParse(r.ReservationID),
		Reason:        r.Reason,
	})
}

// NewRequest returns an empty request for a command name.
func NewRequest(name string) (Command, error) {
	switch name {
	case CommandCreateReservation:
		return &CreateReservationRequest{}, nil
	case CommandAllocateReservation:
		return &AllocateReservationRequest{}, nil
	case CommandStartPicking:
		return &StartPickingRequest{}, nil
	case CommandRecordStockMovement:
		return &RecordStockMovementRequest{}, nil
	case CommandConsumeReservation:
		return &ConsumeReservationRequest{}, nil
	case CommandCancelReservation:
		return &CancelReservationRequest{}, nil
	}
	return nil, invalidArgument("decode", fmt.Errorf("unknown command %q", name))
}

// Validate checks a request's struct tags. Failures are InvalidArgument.
func Validate(cmd Command) error {
	return ValidateStruct(cmd.Name(), cmd)
}

// ValidateStruct checks the struct tags of any request value.
func ValidateStruct(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return invalidArgument(op, err)
	}
	return nil
}

// ParseCommand decodes and validates the JSON body of a named command.
func ParseCommand(name string, data []byte) (Command, error) {
	cmd, err := NewRequest(name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, invalidArgument(name, fmt.Errorf("parse %s: %w", name, err))
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func invalidArgument(op string, err error) error {
	var verrs validator.ValidationErrors
	msg := err.Error()
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msg = fmt.Sprintf("field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
	}
	return &core.Error{Kind: core.KindInvalidArgument, Op: op, Message: msg, Err: err}
}

// CommandResponse is the wire form of core.Result.
type CommandResponse struct {
	ReservationID string  `json:"reservation_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	Version       int64   `json:"version"`
	MovementIDs   []int64 `json:"movement_ids,omitempty"`
	TransferID    int64   `json:"transfer_id,omitempty"`
	Duplicate     bool    `json:"duplicate,omitempty"`
}

func NewCommandResponse(r core.Result) CommandResponse {
	resp := CommandResponse{
		Status:      string(r.Status),
		Version:     r.Version,
		MovementIDs: r.MovementIDs,
		TransferID:  r.TransferID,
		Duplicate:   r.Duplicate,
	}
	if r.ReservationID != uuid.Nil {
		resp.ReservationID = r.ReservationID.String()
	}
	return resp
}
