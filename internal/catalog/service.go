// Package catalog maintains items, per-user carts, and the price and
// availability lookups the order service consumes.
package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/storage"
)

type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// EnsureUser creates a user on first contact and returns the stored row.
func (s *Service) EnsureUser(ctx context.Context, externalID int64, handle string) (*domain.User, error) {
	return s.store.CreateUserIfAbsent(ctx, externalID, handle)
}

// AddToCart appends a position to the user's cart, creating the cart lazily.
// The position is quoted up front so tier-pricing and item-data failures
// surface before checkout.
func (s *Service) AddToCart(ctx context.Context, userID, categoryID, subcategoryID int64, quantity int) (*domain.CartLine, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if _, err := s.UnitPriceForQuantity(ctx, categoryID, subcategoryID, quantity); err != nil {
		return nil, err
	}
	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	line := &domain.CartLine{
		CartID:        cart.ID,
		CategoryID:    categoryID,
		SubcategoryID: subcategoryID,
		Quantity:      quantity,
	}
	if err := s.store.UpsertCartLine(ctx, line); err != nil {
		return nil, err
	}
	return line, nil
}

// Cart returns the user's cart. An error is returned when it has no lines, so
// checkout callers get the typed empty-cart failure.
func (s *Service) Cart(ctx context.Context, userID int64) (*domain.Cart, error) {
	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cart.Lines) == 0 {
		return nil, &errs.CartEmptyError{UserID: userID}
	}
	return cart, nil
}

// RemoveLine deletes a single cart position.
func (s *Service) RemoveLine(ctx context.Context, lineID int64) error {
	return s.store.DeleteCartLine(ctx, lineID)
}

// ClearCart destroys the cart contents, called on successful checkout or
// explicit deletion.
func (s *Service) ClearCart(ctx context.Context, cartID int64) error {
	return s.store.DeleteCart(ctx, cartID)
}

// UnitPrice returns the flat price of a catalog position.
func (s *Service) UnitPrice(ctx context.Context, categoryID, subcategoryID int64) (decimal.Decimal, error) {
	tmpl, err := s.store.ItemTemplate(ctx, categoryID, subcategoryID)
	if err != nil {
		return decimal.Zero, err
	}
	if tmpl == nil {
		return decimal.Zero, &errs.ItemNotFoundError{}
	}
	return tmpl.Price, nil
}

// UnitPriceForQuantity quotes the per-unit price for a requested quantity.
// Subcategories without tiers fall back to the flat item price. When tiers
// exist, the one with the greatest threshold not exceeding the quantity wins;
// a tier table that covers no threshold at or below the quantity is a
// calculation failure, not a silent flat-price fallback.
func (s *Service) UnitPriceForQuantity(ctx context.Context, categoryID, subcategoryID int64, quantity int) (decimal.Decimal, error) {
	tmpl, err := s.store.ItemTemplate(ctx, categoryID, subcategoryID)
	if err != nil {
		return decimal.Zero, err
	}
	if tmpl == nil {
		return decimal.Zero, &errs.ItemNotFoundError{}
	}
	if tmpl.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &errs.ItemInvalidDataError{ItemID: tmpl.ID, Reason: "non-positive price"}
	}

	tiers, err := s.store.PriceTiers(ctx, subcategoryID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(tiers) == 0 {
		return tmpl.Price, nil
	}

	matched := false
	unit := decimal.Zero
	for _, tier := range tiers {
		if tier.MinQuantity <= 0 || tier.UnitPrice.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, &errs.ItemTierPricingFailureError{
				SubcategoryID: subcategoryID,
				Quantity:      quantity,
				Reason:        fmt.Sprintf("tier %d has invalid bounds", tier.ID),
			}
		}
		if tier.MinQuantity <= quantity {
			matched = true
			unit = tier.UnitPrice
		}
	}
	if !matched {
		return decimal.Zero, &errs.ItemTierPricingFailureError{
			SubcategoryID: subcategoryID,
			Quantity:      quantity,
			Reason:        "no tier covers the requested quantity",
		}
	}
	return unit, nil
}

// Availability returns the count of unsold, unreserved rows for a subcategory.
func (s *Service) Availability(ctx context.Context, subcategoryID int64) (int, error) {
	return s.store.AvailableQuantity(ctx, subcategoryID)
}
