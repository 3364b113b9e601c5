// Package stock implements the Stock Ledger (C3): per-(wholesaler,product)
// on-hand/reserved tracking and reservation lifecycle, run entirely inside
// the caller's transaction under row-level locks (§4.4).
package stock

import (
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

// Item is one line of a reservation/availability request.
type Item struct {
	ProductID string
	Quantity  int
}

// Availability is the per-item result of CheckAvailability.
type Availability struct {
	ProductID  string
	Stock      int
	Reserved   int
	Available  int
	Sufficient bool
}

// CheckAvailability reports per-item stock/reserved/available for a
// wholesaler without taking any lock or mutating state.
func CheckAvailability(tx *gorm.DB, wholesalerID string, items []Item) ([]Availability, bool, error) {
	results := make([]Availability, 0, len(items))
	allSufficient := true

	for _, item := range items {
		var wp store.WholesalerProduct
		err := tx.Where("wholesaler_id = ? AND product_id = ?", wholesalerID, item.ProductID).First(&wp).Error
		if err == gorm.ErrRecordNotFound {
			results = append(results, Availability{ProductID: item.ProductID, Sufficient: false})
			allSufficient = false
			continue
		}
		if err != nil {
			return nil, false, apperr.Wrap(apperr.Internal, "load wholesaler product", err)
		}
		available := wp.Stock - wp.Reserved
		sufficient := available >= item.Quantity
		if !sufficient {
			allSufficient = false
		}
		results = append(results, Availability{
			ProductID:  item.ProductID,
			Stock:      wp.Stock,
			Reserved:   wp.Reserved,
			Available:  available,
			Sufficient: sufficient,
		})
	}

	return results, allSufficient, nil
}

// Reserve atomically reserves stock for every item against wholesalerID,
// locking each WholesalerProduct row FOR UPDATE in ascending product-id
// order to bound lock-ordering deadlocks. On the first shortfall it
// returns INSUFFICIENT_STOCK with a per-item breakdown; the caller's
// transaction (via C1) rolls back all prior increments in this call as
// part of that rollback.
func Reserve(tx *gorm.DB, orderID, wholesalerID string, items []Item) ([]store.StockReservation, error) {
	reservations := make([]store.StockReservation, 0, len(items))
	shortfalls := make([]Availability, 0)

	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	for _, item := range ordered {
		var wp store.WholesalerProduct
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("wholesaler_id = ? AND product_id = ?", wholesalerID, item.ProductID).
			First(&wp).Error
		if err == gorm.ErrRecordNotFound {
			shortfalls = append(shortfalls, Availability{ProductID: item.ProductID, Sufficient: false})
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "lock wholesaler product", err)
		}

		available := wp.Stock - wp.Reserved
		if available < item.Quantity {
			shortfalls = append(shortfalls, Availability{
				ProductID: item.ProductID, Stock: wp.Stock, Reserved: wp.Reserved,
				Available: available, Sufficient: false,
			})
			break
		}

		if err := tx.Model(&store.WholesalerProduct{}).Where("id = ?", wp.ID).
			Update("reserved", wp.Reserved+item.Quantity).Error; err != nil {
			return nil, apperr.Wrap(apperr.Internal, "increment reserved", err)
		}

		res := store.StockReservation{
			ID:                  uuid.NewString(),
			OrderID:             orderID,
			WholesalerProductID: wp.ID,
			Quantity:            item.Quantity,
			Status:              store.ReservationActive,
		}
		if err := tx.Create(&res).Error; err != nil {
			return nil, apperr.Wrap(apperr.Internal, "insert stock reservation", err)
		}
		reservations = append(reservations, res)
	}

	if len(shortfalls) > 0 {
		return nil, apperr.New(apperr.InsufficientStock, "insufficient stock for one or more items").WithDetail(shortfalls)
	}

	return reservations, nil
}

// Release sets every ACTIVE reservation for orderID to RELEASED and
// decrements the corresponding WholesalerProduct.Reserved by the same
// quantity (§4.4). Safe to call when the order has no active reservations.
func Release(tx *gorm.DB, orderID string) error {
	var active []store.StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", orderID, store.ReservationActive).
		Find(&active).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "load active reservations", err)
	}

	for _, res := range active {
		if err := decrementReserved(tx, res.WholesalerProductID, res.Quantity); err != nil {
			return err
		}
		if err := tx.Model(&store.StockReservation{}).Where("id = ?", res.ID).
			Update("status", store.ReservationReleased).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "release reservation", err)
		}
	}
	return nil
}

// FulfilAll converts every ACTIVE reservation for orderID to FULFILLED,
// decrementing both Stock and Reserved on the WholesalerProduct.
func FulfilAll(tx *gorm.DB, orderID string) error {
	var active []store.StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", orderID, store.ReservationActive).
		Find(&active).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "load active reservations", err)
	}

	for _, res := range active {
		if err := fulfilOne(tx, res, res.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// FulfilPartial fulfils qty units of a single ACTIVE reservation, for
// callers that need partial fulfilment via multiple calls (§4.4).
func FulfilPartial(tx *gorm.DB, reservationID string, qty int) error {
	var res store.StockReservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "id = ? AND status = ?", reservationID, store.ReservationActive).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "load reservation for partial fulfilment", err)
	}
	if qty > res.Quantity {
		return apperr.Newf(apperr.InvalidInput, "fulfil quantity %d exceeds reservation quantity %d", qty, res.Quantity)
	}
	return fulfilOne(tx, res, qty)
}

func fulfilOne(tx *gorm.DB, res store.StockReservation, qty int) error {
	var wp store.WholesalerProduct
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wp, "id = ?", res.WholesalerProductID).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "lock wholesaler product for fulfilment", err)
	}
	if err := tx.Model(&store.WholesalerProduct{}).Where("id = ?", wp.ID).Updates(map[string]any{
		"stock":    wp.Stock - qty,
		"reserved": wp.Reserved - qty,
	}).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "decrement stock/reserved on fulfilment", err)
	}

	status := store.ReservationFulfilled
	remaining := res.Quantity - qty
	if remaining > 0 {
		// Partial: keep the reservation ACTIVE with its quantity shrunk to
		// the remainder; no separate row records the fulfilled units.
		if err := tx.Model(&store.StockReservation{}).Where("id = ?", res.ID).
			Update("quantity", remaining).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "shrink reservation on partial fulfilment", err)
		}
		return nil
	}
	return tx.Model(&store.StockReservation{}).Where("id = ?", res.ID).
		Update("status", status).Error
}

func decrementReserved(tx *gorm.DB, wholesalerProductID string, qty int) error {
	var wp store.WholesalerProduct
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wp, "id = ?", wholesalerProductID).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "lock wholesaler product for release", err)
	}
	return tx.Model(&store.WholesalerProduct{}).Where("id = ?", wp.ID).
		Update("reserved", wp.Reserved-qty).Error
}
