package catalog

import "time"

// Book is one catalog title and its copy inventory.
// Invariant: 0 <= AvailableCopies <= TotalCopies and TotalCopies >= 1.
type Book struct {
	ID              int64     `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	ISBN            string    `json:"isbn" db:"isbn"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// BookInput is the body of create and full update requests. TotalCopies
// defaults to 1 and AvailableCopies defaults to TotalCopies.
type BookInput struct {
	Title           string `json:"title" validate:"required,max=500"`
	Author          string `json:"author" validate:"required,max=300"`
	ISBN            string `json:"isbn" validate:"required,max=32"`
	TotalCopies     *int   `json:"total_copies" validate:"omitempty,gte=1"`
	AvailableCopies *int   `json:"available_copies" validate:"omitempty,gte=0"`
}

// InventoryRequest is the optional body of reserve and release. Count
// defaults to 1.
type InventoryRequest struct {
	Count *int `json:"count" validate:"omitempty,gte=1"`
}

// InventoryResponse is returned by reserve ("reserved") and release ("released").
type InventoryResponse struct {
	Status string `json:"status"`
	Book   *Book  `json:"book"`
}

func (in BookInput) counts() (total, available int) {
	total = 1
	if in.TotalCopies != nil {
		total = *in.TotalCopies
	}
	available = total
	if in.AvailableCopies != nil {
		available = *in.AvailableCopies
	}
	return total, available
}

func (r InventoryRequest) count() int {
	if r.Count == nil {
		return 1
	}
	return *r.Count
}
