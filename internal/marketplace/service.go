package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/internal/ledger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/oxygencredits-backend/pkg/pagination"
)

const WarningTradeLedger = "purchase settled but the transaction history could not be written"

var maxUnitPrice = decimal.RequireFromString("9999999999999999.99")

// Service is the marketplace settlement engine.
type Service interface {
	CreateListing(ctx context.Context, input CreateListingInput) (*ListingDTO, error)
	Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error)
	CancelListing(ctx context.Context, input CancelListingInput) (*ListingDTO, error)
	ListActiveListings(ctx context.Context, params pagination.Params) (*ListingPage, error)
	GetListing(ctx context.Context, id uuid.UUID) (*ListingDTO, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	Repo     Repository
	Holdings credits.Repository
	Ledger   ledger.Service
	Outbox   outboxPublisher
	TX       txRunner
	Metrics  *metrics.DomainMetrics
	Logger   *logger.Logger
}

type service struct {
	repo     Repository
	holdings credits.Repository
	ledger   ledger.Service
	outbox   outboxPublisher
	tx       txRunner
	metrics  *metrics.DomainMetrics
	logg     *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("marketplace repository required")
	}
	if params.Holdings == nil {
		return nil, fmt.Errorf("credits repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.TX == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		repo:     params.Repo,
		holdings: params.Holdings,
		ledger:   params.Ledger,
		outbox:   params.Outbox,
		tx:       params.TX,
		metrics:  params.Metrics,
		logg:     logg,
	}, nil
}

// CreateListing reserves units from the seller's holding and opens an active
// listing for them in one transaction.
func (s *service) CreateListing(ctx context.Context, input CreateListingInput) (*ListingDTO, error) {
	if err := validatePrice(input.UnitPrice); err != nil {
		return nil, err
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be a positive integer")
	}
	if input.CreditID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credit_id is required")
	}

	listing := &models.MarketplaceListing{
		ID:              uuid.New(),
		SellerID:        input.SellerID,
		CreditID:        input.CreditID,
		UnitPrice:       input.UnitPrice.Round(2),
		Quantity:        input.Quantity,
		InitialQuantity: input.Quantity,
		Status:          enums.ListingStatusActive,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		holdings := s.holdings.WithTx(tx)
		credit, err := holdings.FindByID(ctx, input.CreditID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "credit not found")
			}
			return pkgerrors.Storage(err, "load credit")
		}
		if input.Quantity > credit.Amount {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("quantity exceeds the credit amount of %d", credit.Amount))
		}

		holding, err := holdings.FindHolding(ctx, input.CreditID, input.SellerID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Storage(err, "load credit holding")
		}
		if holding == nil || holding.Total() == 0 {
			return pkgerrors.New(pkgerrors.CodeForbidden, "you do not hold this credit")
		}

		reserved, err := holdings.ReserveUnits(ctx, input.CreditID, input.SellerID, input.Quantity)
		if err != nil {
			return pkgerrors.Storage(err, "reserve credit units")
		}
		if !reserved {
			return pkgerrors.New(pkgerrors.CodeConflict, "not enough unlisted units to cover this listing").
				WithDetails(map[string]any{"available": holding.Available, "requested": input.Quantity})
		}

		if err := s.repo.WithTx(tx).Create(ctx, listing); err != nil {
			return pkgerrors.Storage(err, "create listing")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventListingCreated,
			AggregateType: enums.AggregateListing,
			AggregateID:   listing.ID,
			Actor:         &outbox.ActorRef{UserID: input.SellerID, Role: string(input.SellerRole)},
			Data: payloads.ListingCreatedEvent{
				ListingID: listing.ID,
				SellerID:  listing.SellerID,
				CreditID:  listing.CreditID,
				Quantity:  listing.Quantity,
				UnitPrice: listing.UnitPrice.StringFixed(2),
			},
		})
	})
	if err != nil {
		return nil, normalize(err, "create listing")
	}
	return s.GetListing(ctx, listing.ID)
}

// Purchase settles quantity units of a listing. The listing decrement, the
// holding transfer and the trade event commit together; the two history rows
// are written afterwards and only produce a warning when they fail.
func (s *service) Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error) {
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be a positive integer")
	}
	if input.ListingID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "listing_id is required")
	}

	var listing *models.MarketplaceListing
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := repo.FindByID(ctx, input.ListingID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "listing not found")
			}
			return pkgerrors.Storage(err, "load listing")
		}
		if current.SellerID == input.BuyerID {
			s.metrics.PurchaseRejected("self_trade")
			return pkgerrors.New(pkgerrors.CodeConflict, "cannot purchase your own listing")
		}

		decremented, err := repo.DecrementQuantity(ctx, current.ID, input.Quantity)
		if err != nil {
			return pkgerrors.Storage(err, "decrement listing quantity")
		}
		if !decremented {
			return s.rejectPurchase(ctx, repo, current.ID, input.Quantity)
		}

		holdings := s.holdings.WithTx(tx)
		moved, err := holdings.TransferListedUnits(ctx, current.CreditID, current.SellerID, input.BuyerID, input.Quantity)
		if err != nil {
			return pkgerrors.Storage(err, "transfer credit units")
		}
		if !moved {
			return pkgerrors.New(pkgerrors.CodeInternal, "seller holding does not cover the listed units")
		}
		if _, err := holdings.ReassignOwnerIfWhole(ctx, current.CreditID, input.BuyerID); err != nil {
			return pkgerrors.Storage(err, "reassign credit owner")
		}

		listing, err = repo.FindByID(ctx, current.ID)
		if err != nil {
			return pkgerrors.Storage(err, "reload listing")
		}
		total := listing.UnitPrice.Mul(decimal.NewFromInt(int64(input.Quantity))).Round(2)
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCreditTradeSettled,
			AggregateType: enums.AggregateListing,
			AggregateID:   listing.ID,
			Actor:         &outbox.ActorRef{UserID: input.BuyerID, Role: string(input.BuyerRole)},
			Data: payloads.CreditTradeSettledEvent{
				ListingID:     listing.ID,
				CreditID:      listing.CreditID,
				BuyerID:       input.BuyerID,
				SellerID:      listing.SellerID,
				Quantity:      input.Quantity,
				UnitPrice:     listing.UnitPrice.StringFixed(2),
				Total:         total.StringFixed(2),
				ListingStatus: listing.Status,
			},
		})
	})
	if err != nil {
		return nil, normalize(err, "purchase listing")
	}
	s.metrics.PurchaseCompleted(input.Quantity)

	price := listing.UnitPrice.Round(2)
	result := &PurchaseResult{
		Receipt: Receipt{
			ListingID:         listing.ID,
			CreditID:          listing.CreditID,
			Quantity:          input.Quantity,
			UnitPrice:         price,
			TotalPrice:        price.Mul(decimal.NewFromInt(int64(input.Quantity))).Round(2),
			Status:            ReceiptStatusCompleted,
			ListingStatus:     listing.Status,
			RemainingQuantity: listing.Quantity,
		},
	}
	if err := s.recordTrade(ctx, listing, input, price); err != nil {
		s.metrics.SecondaryWriteFailed(metrics.OpTradeLedger)
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"listing_id": listing.ID.String(),
			"buyer_id":   input.BuyerID.String(),
			"seller_id":  listing.SellerID.String(),
			"operation":  metrics.OpTradeLedger,
		})
		s.logg.Warn(logCtx, fmt.Sprintf("trade history write failed: %v", err))
		result.Warnings = append(result.Warnings, WarningTradeLedger)
	}
	return result, nil
}

// rejectPurchase re-reads a listing whose conditional decrement matched no
// row to report why.
func (s *service) rejectPurchase(ctx context.Context, repo Repository, id uuid.UUID, quantity int) error {
	current, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "listing not found")
		}
		return pkgerrors.Storage(err, "reload listing")
	}
	if current.Status != enums.ListingStatusActive {
		s.metrics.PurchaseRejected("inactive")
		return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("listing is %s", current.Status))
	}
	s.metrics.PurchaseRejected("insufficient_quantity")
	return pkgerrors.New(pkgerrors.CodeConflict, "not enough units left on this listing").
		WithDetails(map[string]any{"remaining": current.Quantity, "requested": quantity})
}

func (s *service) recordTrade(ctx context.Context, listing *models.MarketplaceListing, input PurchaseInput, price decimal.Decimal) error {
	listingID := listing.ID
	creditID := listing.CreditID
	buyer := input.BuyerID
	seller := listing.SellerID
	_, err := s.ledger.RecordTransactions(ctx, nil,
		ledger.RecordTransactionInput{
			UserID:         buyer,
			Type:           enums.TransactionPurchase,
			CreditID:       &creditID,
			ListingID:      &listingID,
			CounterpartyID: &seller,
			Quantity:       input.Quantity,
			UnitPrice:      &price,
		},
		ledger.RecordTransactionInput{
			UserID:         seller,
			Type:           enums.TransactionSale,
			CreditID:       &creditID,
			ListingID:      &listingID,
			CounterpartyID: &buyer,
			Quantity:       input.Quantity,
			UnitPrice:      &price,
		},
	)
	return err
}

// CancelListing closes an active listing and returns its unsold units to the
// seller's available balance.
func (s *service) CancelListing(ctx context.Context, input CancelListingInput) (*ListingDTO, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		listing, err := repo.FindByID(ctx, input.ListingID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "listing not found")
			}
			return pkgerrors.Storage(err, "load listing")
		}
		if listing.SellerID != input.SellerID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the seller can cancel a listing")
		}
		cancelled, err := repo.Cancel(ctx, listing.ID)
		if err != nil {
			return pkgerrors.Storage(err, "cancel listing")
		}
		if !cancelled {
			return pkgerrors.New(pkgerrors.CodeConflict, "listing is no longer active")
		}

		// A purchase may have committed between the read above and the
		// conditional cancel. The cancelled row is locked now, so its
		// quantity is the one to release.
		listing, err = repo.FindByID(ctx, listing.ID)
		if err != nil {
			return pkgerrors.Storage(err, "reload cancelled listing")
		}
		if listing.Quantity > 0 {
			released, err := s.holdings.WithTx(tx).ReleaseUnits(ctx, listing.CreditID, listing.SellerID, listing.Quantity)
			if err != nil {
				return pkgerrors.Storage(err, "release listed units")
			}
			if !released {
				return pkgerrors.New(pkgerrors.CodeInternal, "seller holding does not cover the listed units")
			}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventListingCancelled,
			AggregateType: enums.AggregateListing,
			AggregateID:   listing.ID,
			Actor:         &outbox.ActorRef{UserID: input.SellerID, Role: string(input.SellerRole)},
			Data: payloads.ListingCancelledEvent{
				ListingID:        listing.ID,
				SellerID:         listing.SellerID,
				CreditID:         listing.CreditID,
				ReleasedQuantity: listing.Quantity,
			},
		})
	})
	if err != nil {
		return nil, normalize(err, "cancel listing")
	}
	return s.GetListing(ctx, input.ListingID)
}

func (s *service) ListActiveListings(ctx context.Context, params pagination.Params) (*ListingPage, error) {
	limit, cursor, err := params.Decode()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.ListActive(ctx, limit, cursor)
	if err != nil {
		return nil, pkgerrors.Storage(err, "list listings")
	}
	page := &ListingPage{Listings: make([]ListingDTO, 0, len(rows))}
	for _, row := range rows {
		page.Listings = append(page.Listings, fromRow(row))
	}
	if next != nil {
		page.NextCursor = pagination.EncodeCursor(*next)
	}
	return page, nil
}

func (s *service) GetListing(ctx context.Context, id uuid.UUID) (*ListingDTO, error) {
	row, err := s.repo.FindRow(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "listing not found")
		}
		return nil, pkgerrors.Storage(err, "load listing")
	}
	dto := fromRow(*row)
	return &dto, nil
}

func validatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "price must be greater than zero")
	}
	if !price.Equal(price.Round(2)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "price supports at most two decimal places")
	}
	if price.GreaterThan(maxUnitPrice) {
		return pkgerrors.New(pkgerrors.CodeValidation, "price is too large")
	}
	return nil
}

func normalize(err error, op string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, op)
}
