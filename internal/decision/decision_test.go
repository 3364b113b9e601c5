package decision

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/credit"
	"github.com/fulfillnet/orderengine/internal/events"
	"github.com/fulfillnet/orderengine/internal/store"
	"github.com/fulfillnet/orderengine/internal/txrunner"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))
	return db
}

func newEngine(db *gorm.DB) *Engine {
	runner := txrunner.New(db, 2, 2*time.Second)
	publisher := events.New("")
	return New(runner, publisher)
}

type seedOpts struct {
	retailerID   string
	totalAmount  decimal.Decimal
	items        []store.OrderItem
	creditLimit  decimal.Decimal
}

func seedOrder(t *testing.T, db *gorm.DB, o seedOpts) string {
	t.Helper()
	orderID := uuid.NewString()
	order := store.Order{
		ID: orderID, RetailerID: o.retailerID, TotalAmount: o.totalAmount,
		PaymentMode: store.PaymentModeCreditLine, State: store.StatePendingBids,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.Create(&order).Error)
	for i := range o.items {
		o.items[i].ID = uuid.NewString()
		o.items[i].OrderID = orderID
		require.NoError(t, db.Create(&o.items[i]).Error)
	}
	require.NoError(t, db.Create(&store.CreditAccount{
		RetailerID: o.retailerID, CreditLimit: o.creditLimit, UsedCredit: decimal.Zero,
	}).Error)
	return orderID
}

func seedWholesalerStock(t *testing.T, db *gorm.DB, wholesalerID, productID string, stock int) {
	t.Helper()
	require.NoError(t, db.Create(&store.WholesalerProduct{
		ID: uuid.NewString(), WholesalerID: wholesalerID, ProductID: productID,
		Stock: stock, Reserved: 0, Price: decimal.NewFromInt(10), Available: true,
	}).Error)
}

func seedOffer(t *testing.T, db *gorm.DB, orderID, wholesalerID string, price decimal.Decimal, eta string, stockConfirmed bool, reliability, rating decimal.Decimal) {
	t.Helper()
	require.NoError(t, db.Create(&store.VendorOffer{
		ID: uuid.NewString(), OrderID: orderID, WholesalerID: wholesalerID,
		PriceQuote: price, DeliveryETA: eta, StockConfirmed: stockConfirmed,
		ReliabilityScore: reliability, AverageRating: rating,
		Status: store.OfferPending, CreatedAt: time.Now(),
	}).Error)
}

func TestAward_HappyPath_BetterReliabilityWins(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 50)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	engine := newEngine(db)
	winner, err := engine.Award(context.Background(), orderID, nil)
	require.NoError(t, err)
	require.Equal(t, "W1", winner)

	var order store.Order
	require.NoError(t, db.First(&order, "id = ?", orderID).Error)
	require.Equal(t, store.StateWholesalerAccepted, order.State)
	require.NotNil(t, order.FinalWholesalerID)
	require.Equal(t, "W1", *order.FinalWholesalerID)

	var wp store.WholesalerProduct
	require.NoError(t, db.First(&wp, "wholesaler_id = ? AND product_id = ?", "W1", "P1").Error)
	require.Equal(t, 10, wp.Reserved)

	bal, err := credit.CurrentBalance(db, "R1", "W1")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(1000)))

	var loser store.VendorOffer
	require.NoError(t, db.First(&loser, "order_id = ? AND wholesaler_id = ?", orderID, "W2").Error)
	require.Equal(t, store.OfferRejected, loser.Status)
}

func TestAward_FallsThroughOnInsufficientStock(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	// W1 scores highest but has only 2 of the 10 units; W2 should win instead.
	seedWholesalerStock(t, db, "W1", "P1", 2)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	engine := newEngine(db)
	winner, err := engine.Award(context.Background(), orderID, nil)
	require.NoError(t, err)
	require.Equal(t, "W2", winner)

	var wp1 store.WholesalerProduct
	require.NoError(t, db.First(&wp1, "wholesaler_id = ? AND product_id = ?", "W1", "P1").Error)
	require.Equal(t, 0, wp1.Reserved, "failed candidate's reservation attempt must have rolled back")
}

func TestAward_FallsThroughOnCreditLimitExceeded(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 50)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	// A per-pair limit of 500 for (R1, W1) leaves no room for this order's 1000 total.
	require.NoError(t, db.Create(&store.RetailerWholesalerCredit{
		ID: uuid.NewString(), RetailerID: "R1", WholesalerID: "W1",
		CreditLimit: decimalPtr(decimal.NewFromInt(500)), Active: true,
	}).Error)

	engine := newEngine(db)
	winner, err := engine.Award(context.Background(), orderID, nil)
	require.NoError(t, err)
	require.Equal(t, "W2", winner)
}

func TestAward_NoEligibleWinner_OrderFailsAndEventPublished(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 1) // everyone is short on stock
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))

	runner := txrunner.New(db, 2, 2*time.Second)
	publisher := events.New("")
	var published []events.OrderStateChanged
	publisher.Subscribe(func(evt events.OrderStateChanged) { published = append(published, evt) })
	engine := New(runner, publisher)

	_, err := engine.Award(context.Background(), orderID, nil)
	require.Error(t, err)
	require.Equal(t, apperr.NoEligibleWinner, apperr.CodeOf(err))

	var order store.Order
	require.NoError(t, db.First(&order, "id = ?", orderID).Error)
	require.Equal(t, store.StateFailed, order.State)

	require.Len(t, published, 1)
	require.Equal(t, string(store.StateFailed), published[0].NewState)
}

func TestAward_ExcludesAlreadyTriedWholesalers(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 50)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	engine := newEngine(db)
	winner, err := engine.Award(context.Background(), orderID, []string{"W1"})
	require.NoError(t, err)
	require.Equal(t, "W2", winner)
}

func TestReaward_UnwindsPriorAwardAndExcludesFailedWholesaler(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 50)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	engine := newEngine(db)
	winner, err := engine.Award(context.Background(), orderID, nil)
	require.NoError(t, err)
	require.Equal(t, "W1", winner)

	newWinner, err := engine.Reaward(context.Background(), orderID, "W1", nil)
	require.NoError(t, err)
	require.Equal(t, "W2", newWinner)

	bal, err := credit.CurrentBalance(db, "R1", "W1")
	require.NoError(t, err)
	require.True(t, bal.IsZero(), "reversal of W1's debit should leave its balance at zero")

	var wp1 store.WholesalerProduct
	require.NoError(t, db.First(&wp1, "wholesaler_id = ? AND product_id = ?", "W1", "P1").Error)
	require.Equal(t, 0, wp1.Reserved, "W1's reservation should have been released")
}

func TestForceAward_BypassesRankingForNamedWholesaler(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, seedOpts{
		retailerID: "R1", totalAmount: decimal.NewFromInt(1000),
		items:       []store.OrderItem{{ProductID: "P1", Quantity: 10, PriceAtOrder: decimal.NewFromInt(100)}},
		creditLimit: decimal.NewFromInt(5000),
	})
	seedWholesalerStock(t, db, "W1", "P1", 50)
	seedWholesalerStock(t, db, "W2", "P1", 50)
	// W1 scores better, but the admin forces W2.
	seedOffer(t, db, orderID, "W1", decimal.NewFromInt(950), "2H", true, decimal.NewFromInt(80), decimal.NewFromInt(4))
	seedOffer(t, db, orderID, "W2", decimal.NewFromInt(900), "1D", true, decimal.NewFromInt(50), decimal.NewFromInt(3))

	engine := newEngine(db)
	winner, err := engine.ForceAward(context.Background(), orderID, "W2")
	require.NoError(t, err)
	require.Equal(t, "W2", winner)
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
