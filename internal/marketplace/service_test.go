package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/dbtest"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

type failingLedger struct {
	ledger.Service
}

func (failingLedger) RecordTransactions(context.Context, *gorm.DB, ...ledger.RecordTransactionInput) ([]models.Transaction, error) {
	return nil, errors.New("transactions table locked")
}

type fixture struct {
	client   *db.Client
	svc      Service
	holdings credits.Repository
}

func newFixture(t *testing.T, opts ...func(*ServiceParams)) fixture {
	t.Helper()
	client := dbtest.New(t)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(client.DB()))
	require.NoError(t, err)
	holdings := credits.NewRepository(client.DB())
	params := ServiceParams{
		Repo:     NewRepository(client.DB()),
		Holdings: holdings,
		Ledger:   ledgerSvc,
		Outbox:   outbox.NewService(outbox.NewRepository(client.DB()), nil),
		TX:       client,
	}
	for _, opt := range opts {
		opt(&params)
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return fixture{client: client, svc: svc, holdings: holdings}
}

// seedCredit issues amount units of a fresh credit to owner.
func seedCredit(t *testing.T, f fixture, owner uuid.UUID, amount int) *models.Credit {
	t.Helper()
	credit := &models.Credit{
		ClaimID:    uuid.New(),
		OwnerID:    owner,
		Amount:     amount,
		MintStatus: enums.MintStatusSkipped,
		IssuedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.client.DB().Create(credit).Error)
	require.NoError(t, f.client.DB().Create(&models.CreditHolding{
		CreditID:  credit.ID,
		HolderID:  owner,
		Available: amount,
	}).Error)
	return credit
}

func list(t *testing.T, f fixture, seller uuid.UUID, creditID uuid.UUID, price string, quantity int) *ListingDTO {
	t.Helper()
	listing, err := f.svc.CreateListing(context.Background(), CreateListingInput{
		SellerID:  seller,
		CreditID:  creditID,
		UnitPrice: decimal.RequireFromString(price),
		Quantity:  quantity,
	})
	require.NoError(t, err)
	return listing
}

func holding(t *testing.T, f fixture, creditID, holderID uuid.UUID) *models.CreditHolding {
	t.Helper()
	h, err := f.holdings.FindHolding(context.Background(), creditID, holderID)
	require.NoError(t, err)
	return h
}

func TestSettlementScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 100)

	listing := list(t, f, seller.ID, credit.ID, "5", 40)
	require.Equal(t, enums.ListingStatusActive, listing.Status)
	require.Equal(t, 40, listing.Quantity)
	require.Equal(t, 100, listing.Credit.Amount)

	sellerHolding := holding(t, f, credit.ID, seller.ID)
	require.Equal(t, 60, sellerHolding.Available)
	require.Equal(t, 40, sellerHolding.Listed)

	result, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, BuyerRole: enums.RoleCompany, ListingID: listing.ID, Quantity: 40})
	require.NoError(t, err)
	require.Empty(t, result.Warnings)
	receipt := result.Receipt
	require.Equal(t, ReceiptStatusCompleted, receipt.Status)
	require.Equal(t, 40, receipt.Quantity)
	require.True(t, receipt.UnitPrice.Equal(decimal.NewFromInt(5)))
	require.True(t, receipt.TotalPrice.Equal(decimal.NewFromInt(200)), "total %s", receipt.TotalPrice)
	require.Equal(t, enums.ListingStatusSoldOut, receipt.ListingStatus)
	require.Zero(t, receipt.RemainingQuantity)

	stored, err := f.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Zero(t, stored.Quantity)
	require.Equal(t, enums.ListingStatusSoldOut, stored.Status)

	require.Equal(t, 40, holding(t, f, credit.ID, buyer.ID).Available)
	sellerHolding = holding(t, f, credit.ID, seller.ID)
	require.Equal(t, 60, sellerHolding.Total())

	var rows []models.Transaction
	require.NoError(t, f.client.DB().Where("listing_id = ?", listing.ID).Order("type").Find(&rows).Error)
	require.Len(t, rows, 2)
	require.Equal(t, enums.TransactionPurchase, rows[0].Type)
	require.Equal(t, buyer.ID, rows[0].UserID)
	require.Equal(t, enums.TransactionSale, rows[1].Type)
	require.Equal(t, seller.ID, rows[1].UserID)
	for _, row := range rows {
		require.NotNil(t, row.Total)
		require.True(t, row.Total.Equal(decimal.NewFromInt(200)))
	}

	var owner models.Credit
	require.NoError(t, f.client.DB().First(&owner, "id = ?", credit.ID).Error)
	require.Equal(t, seller.ID, owner.OwnerID, "partial holder does not take ownership")

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 1})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	var events int64
	require.NoError(t, f.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventCreditTradeSettled).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestPurchaseWholeCreditReassignsOwner(t *testing.T) {
	f := newFixture(t)
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 10)
	listing := list(t, f, seller.ID, credit.ID, "2.50", 10)

	result, err := f.svc.Purchase(context.Background(), PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 10})
	require.NoError(t, err)
	require.True(t, result.Receipt.TotalPrice.Equal(decimal.RequireFromString("25")))

	var stored models.Credit
	require.NoError(t, f.client.DB().First(&stored, "id = ?", credit.ID).Error)
	require.Equal(t, buyer.ID, stored.OwnerID)
	require.Equal(t, 10, stored.Amount, "amount is immutable")
}

func TestPartialPurchasesLeaveListingActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 50)
	listing := list(t, f, seller.ID, credit.ID, "1.25", 20)

	first, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 15})
	require.NoError(t, err)
	require.Equal(t, enums.ListingStatusActive, first.Receipt.ListingStatus)
	require.Equal(t, 5, first.Receipt.RemainingQuantity)

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 6})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	second, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 5})
	require.NoError(t, err)
	require.Equal(t, enums.ListingStatusSoldOut, second.Receipt.ListingStatus)

	require.Equal(t, 20, holding(t, f, credit.ID, buyer.ID).Available)
}

func TestConcurrentPurchasesSettleOnce(t *testing.T) {
	f := newFixture(t)
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	credit := seedCredit(t, f, seller.ID, 30)
	listing := list(t, f, seller.ID, credit.ID, "3", 30)

	const buyers = 8
	buyerIDs := make([]uuid.UUID, buyers)
	for i := range buyerIDs {
		buyerIDs[i] = dbtest.SeedUser(t, f.client, enums.RoleCompany).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	for _, buyerID := range buyerIDs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Purchase(context.Background(), PurchaseInput{BuyerID: id, ListingID: listing.ID, Quantity: 30})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case pkgerrors.IsCode(err, pkgerrors.CodeConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(buyerID)
	}
	wg.Wait()

	require.Empty(t, others)
	require.Equal(t, 1, successes)
	require.Equal(t, buyers-1, conflicts)

	var stored models.MarketplaceListing
	require.NoError(t, f.client.DB().First(&stored, "id = ?", listing.ID).Error)
	require.Zero(t, stored.Quantity)
	require.Equal(t, enums.ListingStatusSoldOut, stored.Status)

	var held int64
	require.NoError(t, f.client.DB().Model(&models.CreditHolding{}).
		Where("credit_id = ?", credit.ID).
		Select("COALESCE(SUM(available + listed), 0)").Scan(&held).Error)
	require.EqualValues(t, 30, held, "units are conserved")
}

func TestPurchaseGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 10)
	listing := list(t, f, seller.ID, credit.ID, "4", 5)

	_, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: seller.ID, ListingID: listing.ID, Quantity: 1})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "self-trade: %v", err)

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 0})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: uuid.New(), Quantity: 1})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 6})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	stored, err := f.svc.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Equal(t, 5, stored.Quantity)
	require.Equal(t, 5, holding(t, f, credit.ID, seller.ID).Listed)
}

func TestCreateListingGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	stranger := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 10)

	cases := []struct {
		name  string
		input CreateListingInput
		code  pkgerrors.Code
	}{
		{"zero price", CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.Zero, Quantity: 1}, pkgerrors.CodeValidation},
		{"negative price", CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.NewFromInt(-1), Quantity: 1}, pkgerrors.CodeValidation},
		{"sub-cent price", CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.RequireFromString("1.005"), Quantity: 1}, pkgerrors.CodeValidation},
		{"zero quantity", CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.NewFromInt(1)}, pkgerrors.CodeValidation},
		{"above amount", CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.NewFromInt(1), Quantity: 11}, pkgerrors.CodeValidation},
		{"unknown credit", CreateListingInput{SellerID: seller.ID, CreditID: uuid.New(), UnitPrice: decimal.NewFromInt(1), Quantity: 1}, pkgerrors.CodeNotFound},
		{"not a holder", CreateListingInput{SellerID: stranger.ID, CreditID: credit.ID, UnitPrice: decimal.NewFromInt(1), Quantity: 1}, pkgerrors.CodeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateListing(ctx, tc.input)
			require.True(t, pkgerrors.IsCode(err, tc.code), "got %v", err)
		})
	}

	list(t, f, seller.ID, credit.ID, "1", 7)
	_, err := f.svc.CreateListing(ctx, CreateListingInput{SellerID: seller.ID, CreditID: credit.ID, UnitPrice: decimal.NewFromInt(1), Quantity: 4})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "oversubscription: %v", err)

	list(t, f, seller.ID, credit.ID, "1.10", 3)
	h := holding(t, f, credit.ID, seller.ID)
	require.Zero(t, h.Available)
	require.Equal(t, 10, h.Listed)
}

func TestCancelListingReleasesUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 20)
	listing := list(t, f, seller.ID, credit.ID, "9.99", 12)

	_, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 2})
	require.NoError(t, err)

	_, err = f.svc.CancelListing(ctx, CancelListingInput{SellerID: buyer.ID, ListingID: listing.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden), "got %v", err)

	cancelled, err := f.svc.CancelListing(ctx, CancelListingInput{SellerID: seller.ID, ListingID: listing.ID})
	require.NoError(t, err)
	require.Equal(t, enums.ListingStatusCancelled, cancelled.Status)

	h := holding(t, f, credit.ID, seller.ID)
	require.Equal(t, 18, h.Available)
	require.Zero(t, h.Listed)

	_, err = f.svc.CancelListing(ctx, CancelListingInput{SellerID: seller.ID, ListingID: listing.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	_, err = f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 1})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
}

// saleBeforeCancel settles part of a listing inside the cancel transaction
// just before the conditional cancel runs, as a purchase committing between
// the seller's read and the cancel would.
type saleBeforeCancel struct {
	Repository
	holdings credits.Repository
	buyer    uuid.UUID
	quantity int
}

func (r *saleBeforeCancel) WithTx(tx *gorm.DB) Repository {
	return &saleBeforeCancel{
		Repository: r.Repository.WithTx(tx),
		holdings:   r.holdings.WithTx(tx),
		buyer:      r.buyer,
		quantity:   r.quantity,
	}
}

func (r *saleBeforeCancel) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	listing, err := r.Repository.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if ok, err := r.Repository.DecrementQuantity(ctx, id, r.quantity); err != nil || !ok {
		return false, fmt.Errorf("decrement listing: ok=%v err=%w", ok, err)
	}
	if ok, err := r.holdings.TransferListedUnits(ctx, listing.CreditID, listing.SellerID, r.buyer, r.quantity); err != nil || !ok {
		return false, fmt.Errorf("transfer units: ok=%v err=%w", ok, err)
	}
	return r.Repository.Cancel(ctx, id)
}

func TestCancelListingReleasesQuantityLeftAfterConcurrentSale(t *testing.T) {
	racing := &saleBeforeCancel{quantity: 4}
	f := newFixture(t, func(p *ServiceParams) {
		racing.Repository = p.Repo
		racing.holdings = p.Holdings
		p.Repo = racing
	})
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor).ID
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany).ID
	racing.buyer = buyer
	credit := seedCredit(t, f, seller, 20)
	listing := list(t, f, seller, credit.ID, "2", 10)

	cancelled, err := f.svc.CancelListing(ctx, CancelListingInput{SellerID: seller, ListingID: listing.ID})
	require.NoError(t, err)
	require.Equal(t, enums.ListingStatusCancelled, cancelled.Status)
	require.Equal(t, 6, cancelled.Quantity)

	h := holding(t, f, credit.ID, seller)
	require.Equal(t, 16, h.Available)
	require.Zero(t, h.Listed)
	require.Equal(t, 4, holding(t, f, credit.ID, buyer).Available)
}

func TestListActiveListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 100)

	soldOut := list(t, f, seller.ID, credit.ID, "1", 5)
	_, err := f.svc.Purchase(ctx, PurchaseInput{BuyerID: buyer.ID, ListingID: soldOut.ID, Quantity: 5})
	require.NoError(t, err)
	cancelled := list(t, f, seller.ID, credit.ID, "1", 5)
	_, err = f.svc.CancelListing(ctx, CancelListingInput{SellerID: seller.ID, ListingID: cancelled.ID})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		list(t, f, seller.ID, credit.ID, "2", 1)
	}

	page, err := f.svc.ListActiveListings(ctx, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Listings, 2)
	require.NotEmpty(t, page.NextCursor)
	for _, l := range page.Listings {
		require.Equal(t, enums.ListingStatusActive, l.Status)
		require.NotNil(t, l.Credit)
	}

	rest, err := f.svc.ListActiveListings(ctx, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Listings, 1)
	require.Empty(t, rest.NextCursor)
}

func TestPurchaseLedgerFailureWarns(t *testing.T) {
	f := newFixture(t, func(p *ServiceParams) { p.Ledger = failingLedger{} })
	seller := dbtest.SeedUser(t, f.client, enums.RoleContributor)
	buyer := dbtest.SeedUser(t, f.client, enums.RoleCompany)
	credit := seedCredit(t, f, seller.ID, 10)
	listing := list(t, f, seller.ID, credit.ID, "1", 10)

	result, err := f.svc.Purchase(context.Background(), PurchaseInput{BuyerID: buyer.ID, ListingID: listing.ID, Quantity: 4})
	require.NoError(t, err)
	require.Equal(t, []string{WarningTradeLedger}, result.Warnings)
	require.Equal(t, ReceiptStatusCompleted, result.Receipt.Status)
	require.Equal(t, 4, holding(t, f, credit.ID, buyer.ID).Available)
}
