package domain

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
)

// Product is the descriptor handed to AddToCart. It carries no quantity.
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
}

// CartItem represents a single line item in the cart.
type CartItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// UnmarshalJSON accepts both image_url and imageUrl. When a document carries
// both spellings, image_url wins.
func (i *CartItem) UnmarshalJSON(data []byte) error {
	type plain CartItem
	var aux struct {
		plain
		ImageURLSnake *string `json:"image_url"`
		ImageURLCamel *string `json:"imageUrl"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*i = CartItem(aux.plain)
	switch {
	case aux.ImageURLSnake != nil:
		i.ImageURL = *aux.ImageURLSnake
	case aux.ImageURLCamel != nil:
		i.ImageURL = *aux.ImageURLCamel
	}
	return nil
}

// NewCartItem builds a line item for p with quantity 1.
func NewCartItem(p Product) CartItem {
	return CartItem{
		ID:       p.ID,
		Title:    p.Title,
		ImageURL: p.ImageURL,
		Price:    p.Price,
		Quantity: 1,
	}
}

// FindItemIndex returns the index of the item with the given id, or -1.
func FindItemIndex(items []CartItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// ItemCount returns the sum of all quantities.
func ItemCount(items []CartItem) int {
	var count int
	for _, item := range items {
		count += item.Quantity
	}
	return count
}

// Clone returns a copy of items that shares no backing array with the input.
// A nil or empty input yields an empty, non-nil slice.
func Clone(items []CartItem) []CartItem {
	out := make([]CartItem, len(items))
	copy(out, items)
	return out
}

// The transitions below never modify their input. Snapshots already handed
// to readers therefore stay valid after a mutation.

// AddProduct appends p with quantity 1, or bumps the quantity of the item that
// already carries p.ID. An existing item keeps its position and its
// descriptive fields.
func AddProduct(items []CartItem, p Product) []CartItem {
	if idx := FindItemIndex(items, p.ID); idx >= 0 {
		next := Clone(items)
		next[idx].Quantity++
		return next
	}

	next := make([]CartItem, len(items), len(items)+1)
	copy(next, items)
	return append(next, NewCartItem(p))
}

// IncrementItem raises the quantity of the item with the given id by one.
// An unknown id returns items unchanged.
func IncrementItem(items []CartItem, id string) []CartItem {
	idx := FindItemIndex(items, id)
	if idx < 0 {
		return items
	}
	next := Clone(items)
	next[idx].Quantity++
	return next
}

// DecrementItem lowers the quantity of the item with the given id by one and
// drops the item once it reaches zero. An unknown id returns items unchanged.
func DecrementItem(items []CartItem, id string) []CartItem {
	idx := FindItemIndex(items, id)
	if idx < 0 {
		return items
	}
	if items[idx].Quantity <= 1 {
		next := make([]CartItem, 0, len(items)-1)
		next = append(next, items[:idx]...)
		return append(next, items[idx+1:]...)
	}
	next := Clone(items)
	next[idx].Quantity--
	return next
}

// Validate checks the cart invariants: every item has a non-empty id, ids are
// unique and every quantity is at least 1.
func Validate(items []CartItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.ID == "" {
			return fmt.Errorf("item %d: empty id: %w", i, apperrors.ErrInvalidInput)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("item %d: duplicate id %q: %w", i, item.ID, apperrors.ErrInvalidInput)
		}
		seen[item.ID] = struct{}{}
		if item.Quantity < 1 {
			return fmt.Errorf("item %q: quantity %d below 1: %w", item.ID, item.Quantity, apperrors.ErrInvalidInput)
		}
	}
	return nil
}
