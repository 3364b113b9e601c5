// Package ingress implements Webhook Ingress (C9): the framework-agnostic
// command API of §6, dispatching through C2 for idempotency and C1 for
// atomic writes (§4.9).
package ingress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/credit"
	"github.com/fulfillnet/orderengine/internal/decision"
	"github.com/fulfillnet/orderengine/internal/flags"
	"github.com/fulfillnet/orderengine/internal/idempotency"
	"github.com/fulfillnet/orderengine/internal/orderstate"
	"github.com/fulfillnet/orderengine/internal/stock"
	"github.com/fulfillnet/orderengine/internal/store"
	"github.com/fulfillnet/orderengine/internal/txrunner"
)

// defaultBidWindow is how long a freshly opened order accepts offers
// before the bid-window-expiry worker invokes the decision engine. Not a
// separately configured setting in §6's environment list; tuned alongside
// WORKER_TICK_BIDDING so at least a few polling ticks occur before expiry.
const defaultBidWindow = 30 * time.Minute

// Status is the outcome of a dispatched command.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// OrderView is the read-model of an Order returned to callers.
type OrderView struct {
	ID                string  `json:"id"`
	RetailerID        string  `json:"retailerId"`
	WholesalerID      *string `json:"wholesalerId,omitempty"`
	FinalWholesalerID *string `json:"finalWholesalerId,omitempty"`
	TotalAmount       string  `json:"totalAmount"`
	PaymentMode       string  `json:"paymentMode"`
	State             string  `json:"state"`
}

// Response is the uniform result of every command, serialized verbatim
// into the idempotency cache so a replayed key returns a byte-identical
// response (§8).
type Response struct {
	Status       Status     `json:"status"`
	Order        *OrderView `json:"order,omitempty"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Handler dispatches every command named in §6.
type Handler struct {
	runner         *txrunner.Runner
	idemp          *idempotency.Store
	engine         *decision.Engine
	flags          *flags.Cache
	idempotencyTTL time.Duration
}

// New builds a Handler.
func New(runner *txrunner.Runner, idemp *idempotency.Store, engine *decision.Engine, flagCache *flags.Cache, idempotencyTTL time.Duration) *Handler {
	return &Handler{runner: runner, idemp: idemp, engine: engine, flags: flagCache, idempotencyTTL: idempotencyTTL}
}

// CreateOrderPayload is the payload for the createOrder command.
type CreateOrderPayload struct {
	RetailerID  string             `json:"retailerId"`
	PaymentMode store.PaymentMode  `json:"paymentMode"`
}

// AddItemPayload is the payload for the addItem command.
type AddItemPayload struct {
	OrderID      string          `json:"orderId"`
	ProductID    string          `json:"productId"`
	Quantity     int             `json:"quantity"`
	PriceAtOrder decimal.Decimal `json:"priceAtOrder"`
}

// SubmitOfferPayload is the payload for the submitOffer command.
type SubmitOfferPayload struct {
	OrderID          string          `json:"orderId"`
	WholesalerID     string          `json:"wholesalerId"`
	PriceQuote       decimal.Decimal `json:"priceQuote"`
	DeliveryETA      string          `json:"deliveryEta"`
	StockConfirmed   bool            `json:"stockConfirmed"`
	ReliabilityScore decimal.Decimal `json:"reliabilityScore"`
	AverageRating    decimal.Decimal `json:"averageRating"`
}

// ConfirmOrderPayload is the payload for the confirmOrder command.
type ConfirmOrderPayload struct {
	OrderID string `json:"orderId"`
}

// CancelOrderPayload is the payload for the cancelOrder command.
type CancelOrderPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// MarkDeliveredPayload is the payload for the markDelivered command.
type MarkDeliveredPayload struct {
	OrderID string `json:"orderId"`
}

// AdminForceAwardWinnerPayload is the payload for the
// adminForceAwardWinner command.
type AdminForceAwardWinnerPayload struct {
	OrderID      string `json:"orderId"`
	WholesalerID string `json:"wholesalerId"`
}

// CreateOrder implements the createOrder command.
func (h *Handler) CreateOrder(ctx context.Context, idempotencyKey string, payload CreateOrderPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "createOrder", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.create-order", payload.RetailerID, func(tx *gorm.DB) (*store.Order, error) {
			now := time.Now()
			order := &store.Order{
				ID:          uuid.NewString(),
				RetailerID:  payload.RetailerID,
				TotalAmount: decimal.Zero,
				PaymentMode: payload.PaymentMode,
				State:       store.StateCreated,
				CreatedAt:   now,
				ExpiresAt:   now.Add(defaultBidWindow),
				UpdatedAt:   now,
			}
			if err := tx.Create(order).Error; err != nil {
				return nil, apperr.Wrap(apperr.Internal, "create order", err)
			}
			return order, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// AddItem implements the addItem command. Adding the first item to a
// CREATED order opens it for bidding by transitioning it to PENDING_BIDS.
func (h *Handler) AddItem(ctx context.Context, idempotencyKey string, payload AddItemPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "addItem", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.add-item", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			var order store.Order
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", payload.OrderID).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return nil, apperr.Newf(apperr.InvalidInput, "order %s not found", payload.OrderID)
				}
				return nil, apperr.Wrap(apperr.Internal, "lock order for add-item", err)
			}
			if orderstate.IsTerminal(order.State) {
				return nil, apperr.Newf(apperr.TerminalState, "order %s is in terminal state %s", payload.OrderID, order.State)
			}
			if payload.Quantity < 1 {
				return nil, apperr.New(apperr.InvalidInput, "quantity must be >= 1")
			}

			item := &store.OrderItem{
				ID:           uuid.NewString(),
				OrderID:      payload.OrderID,
				ProductID:    payload.ProductID,
				Quantity:     payload.Quantity,
				PriceAtOrder: payload.PriceAtOrder,
			}
			if err := tx.Create(item).Error; err != nil {
				return nil, apperr.Wrap(apperr.Internal, "insert order item", err)
			}

			lineTotal := payload.PriceAtOrder.Mul(decimal.NewFromInt(int64(payload.Quantity)))
			newTotal := order.TotalAmount.Add(lineTotal)
			if err := tx.Model(&store.Order{}).Where("id = ?", payload.OrderID).
				Updates(map[string]any{"total_amount": newTotal, "updated_at": time.Now()}).Error; err != nil {
				return nil, apperr.Wrap(apperr.Internal, "update order total", err)
			}
			order.TotalAmount = newTotal

			if order.State == store.StateCreated {
				if _, err := orderstate.Transition(tx, payload.OrderID, store.StatePendingBids, "system", "first item added"); err != nil {
					return nil, err
				}
				order.State = store.StatePendingBids
			}

			return &order, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// SubmitOffer implements the submitOffer command.
func (h *Handler) SubmitOffer(ctx context.Context, idempotencyKey string, payload SubmitOfferPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "submitOffer", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.submit-offer", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			var order store.Order
			if err := tx.First(&order, "id = ?", payload.OrderID).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return nil, apperr.Newf(apperr.InvalidInput, "order %s not found", payload.OrderID)
				}
				return nil, apperr.Wrap(apperr.Internal, "load order for submit-offer", err)
			}
			if order.State != store.StatePendingBids {
				return nil, apperr.Newf(apperr.InvalidTransition, "order %s is not accepting offers (state %s)", payload.OrderID, order.State)
			}

			offer := &store.VendorOffer{
				ID:               uuid.NewString(),
				OrderID:          payload.OrderID,
				WholesalerID:     payload.WholesalerID,
				PriceQuote:       payload.PriceQuote,
				DeliveryETA:      payload.DeliveryETA,
				StockConfirmed:   payload.StockConfirmed,
				ReliabilityScore: payload.ReliabilityScore,
				AverageRating:    payload.AverageRating,
				Status:           store.OfferPending,
				CreatedAt:        time.Now(),
			}
			if err := tx.Create(offer).Error; err != nil {
				return nil, apperr.Wrap(apperr.Internal, "insert vendor offer", err)
			}
			return &order, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// ConfirmOrder implements the confirmOrder command: the awarded
// wholesaler confirms it will fulfil, moving WHOLESALER_ACCEPTED to
// CONFIRMED before the winner-confirmation-timeout worker would re-award.
func (h *Handler) ConfirmOrder(ctx context.Context, idempotencyKey string, payload ConfirmOrderPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "confirmOrder", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.confirm-order", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			order, err := orderstate.Transition(tx, payload.OrderID, store.StateConfirmed, "wholesaler", "vendor confirmed")
			if err != nil {
				return nil, err
			}
			return order, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// CancelOrder implements the cancelOrder command, unwinding any stock
// reservation and reversing any ledger debit before the state transition.
func (h *Handler) CancelOrder(ctx context.Context, idempotencyKey string, payload CancelOrderPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "cancelOrder", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.cancel-order", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			var order store.Order
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", payload.OrderID).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					return nil, apperr.Newf(apperr.InvalidInput, "order %s not found", payload.OrderID)
				}
				return nil, apperr.Wrap(apperr.Internal, "lock order for cancel", err)
			}

			if order.FinalWholesalerID != nil {
				if err := unwindAwardForCancel(tx, &order); err != nil {
					return nil, err
				}
			}

			updatedOrder, err := orderstate.Transition(tx, payload.OrderID, store.StateCancelled, "retailer", payload.Reason)
			if err != nil {
				return nil, err
			}
			return updatedOrder, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// MarkDelivered implements the markDelivered command: moves SHIPPED to
// DELIVERED and converts the order's ACTIVE stock reservation into a
// FULFILLED one.
func (h *Handler) MarkDelivered(ctx context.Context, idempotencyKey string, payload MarkDeliveredPayload) Response {
	return h.dispatch(ctx, idempotencyKey, "markDelivered", payload, true, func(ctx context.Context) Response {
		result, err := txrunner.Run(ctx, h.runner, "ingress.mark-delivered", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			order, err := orderstate.Transition(tx, payload.OrderID, store.StateDelivered, "system", "delivery confirmed")
			if err != nil {
				return nil, err
			}
			if err := stock.FulfilAll(tx, payload.OrderID); err != nil {
				return nil, err
			}
			return order, nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

// AdminForceAwardWinner implements the adminForceAwardWinner command, the
// one command exempt from MAINTENANCE_MODE.
func (h *Handler) AdminForceAwardWinner(ctx context.Context, idempotencyKey string, payload AdminForceAwardWinnerPayload) Response {
	return h.dispatchAdmin(ctx, idempotencyKey, "adminForceAwardWinner", payload, func(ctx context.Context) Response {
		if _, err := h.engine.ForceAward(ctx, payload.OrderID, payload.WholesalerID); err != nil {
			return errorResponse(err)
		}
		result, err := txrunner.Run(ctx, h.runner, "ingress.force-award.view", payload.OrderID, func(tx *gorm.DB) (*store.Order, error) {
			var order store.Order
			return &order, tx.First(&order, "id = ?", payload.OrderID).Error
		})
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(result)
	})
}

func unwindAwardForCancel(tx *gorm.DB, order *store.Order) error {
	if err := stock.Release(tx, order.ID); err != nil {
		return err
	}
	if order.TotalAmount.GreaterThan(decimal.Zero) && order.FinalWholesalerID != nil {
		wholesalerID := *order.FinalWholesalerID
		if err := tx.Model(&store.VendorOffer{}).
			Where("order_id = ? AND wholesaler_id = ? AND status = ?", order.ID, wholesalerID, store.OfferAccepted).
			Update("status", store.OfferRejected).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "reject accepted offer on cancel", err)
		}
		if _, err := credit.Append(tx, credit.AppendRequest{
			RetailerID:   order.RetailerID,
			WholesalerID: wholesalerID,
			Type:         store.LedgerCredit,
			Amount:       order.TotalAmount,
			OrderID:      &order.ID,
			Creator:      store.CreatorSystem,
		}); err != nil {
			return err
		}
	}
	return tx.Model(&store.Order{}).Where("id = ?", order.ID).Update("final_wholesaler_id", nil).Error
}

// dispatch runs fn through the launch-control gates and the idempotency
// envelope of §4.9: validate key, lookup, replay on hit, run on miss,
// complete.
func (h *Handler) dispatch(ctx context.Context, idempotencyKey, commandType string, payload any, isWrite bool, fn func(ctx context.Context) Response) Response {
	if h.flags.EmergencyStopped() {
		return Response{Status: StatusError, ErrorCode: string(apperr.Internal), ErrorMessage: "system is in emergency stop"}
	}
	if isWrite && h.flags.ReadOnly() {
		return Response{Status: StatusError, ErrorCode: string(apperr.Internal), ErrorMessage: "system is in read-only mode"}
	}
	if h.flags.MaintenanceOnly() {
		return Response{Status: StatusError, ErrorCode: string(apperr.Internal), ErrorMessage: "system is in maintenance mode"}
	}
	return h.withIdempotency(ctx, idempotencyKey, commandType, payload, fn)
}

// dispatchAdmin is dispatch without the MAINTENANCE_MODE gate, for the one
// admin command meant to keep working during maintenance (§6).
func (h *Handler) dispatchAdmin(ctx context.Context, idempotencyKey, commandType string, payload any, fn func(ctx context.Context) Response) Response {
	if h.flags.EmergencyStopped() {
		return Response{Status: StatusError, ErrorCode: string(apperr.Internal), ErrorMessage: "system is in emergency stop"}
	}
	if h.flags.ReadOnly() {
		return Response{Status: StatusError, ErrorCode: string(apperr.Internal), ErrorMessage: "system is in read-only mode"}
	}
	return h.withIdempotency(ctx, idempotencyKey, commandType, payload, fn)
}

func (h *Handler) withIdempotency(ctx context.Context, key, commandType string, payload any, fn func(ctx context.Context) Response) Response {
	if err := idempotency.ValidateKey(key); err != nil {
		return errorResponse(err)
	}

	snapshot, _ := json.Marshal(payload)
	outcome, cached, err := h.idemp.Begin(ctx, key, commandType, string(snapshot), h.idempotencyTTL)
	if err != nil {
		return errorResponse(err)
	}
	if outcome == idempotency.Hit {
		var resp Response
		_ = json.Unmarshal([]byte(cached.Body), &resp)
		return resp
	}

	resp := fn(ctx)

	body, _ := json.Marshal(resp)
	statusCode := 200
	if resp.Status == StatusError {
		statusCode = 409
	}
	if completeErr := h.idemp.Complete(ctx, key, statusCode, string(body)); completeErr != nil {
		// The handler already ran; a failure to persist the cache entry is
		// ignored here (nothing logs it) and does not change the response
		// already computed.
		_ = completeErr
	}

	return resp
}

func okResponse(order *store.Order) Response {
	return Response{Status: StatusOK, Order: toView(order)}
}

func errorResponse(err error) Response {
	return Response{
		Status:       StatusError,
		ErrorCode:    string(apperr.CodeOf(err)),
		ErrorMessage: err.Error(),
	}
}

func toView(o *store.Order) *OrderView {
	if o == nil {
		return nil
	}
	return &OrderView{
		ID:                o.ID,
		RetailerID:        o.RetailerID,
		WholesalerID:      o.WholesalerID,
		FinalWholesalerID: o.FinalWholesalerID,
		TotalAmount:       o.TotalAmount.StringFixed(2),
		PaymentMode:       string(o.PaymentMode),
		State:             string(o.State),
	}
}
