// Package fixtures provides sample resources shared by package tests.
package fixtures

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
)

// BaseURL is the API root used by fixture registries.
const BaseURL = "https://example.com"

// Author is a resource embedded in books by reference.
type Author struct {
	ID    int    `json:"id"`
	Name  string `json:"name" groups:"read,subscription"`
	Email string `json:"email" groups:"admin"`
}

// Book is the primary resource used across tests.
type Book struct {
	ID       int             `json:"id"`
	Title    string          `json:"title" groups:"read,subscription"`
	ISBN     string          `json:"isbn,omitempty" groups:"read"`
	Price    decimal.Decimal `json:"price" groups:"read"`
	Public   bool            `json:"public"`
	Author   *Author         `json:"author,omitempty" groups:"read,subscription"`
	Tags     []string        `json:"tags,omitempty"`
	Internal string          `json:"-"`
}

// Review declares several type tags and a private field.
type Review struct {
	ID     int    `json:"id"`
	BookID int    `json:"bookId"`
	Body   string `json:"body"`
	Rating int    `json:"rating"`
	Author string `json:"author"`
}

// Note is not a resource.
type Note struct {
	Text string `json:"text"`
}

// NewBook returns a book with a fixed price.
func NewBook(id int, title string) *Book {
	return &Book{
		ID:     id,
		Title:  title,
		ISBN:   "978-0441013593",
		Price:  decimal.RequireFromString("9.99"),
		Public: true,
		Author: &Author{ID: 1, Name: "Frank Herbert", Email: "frank@example.com"},
	}
}

// Registry builds a registry with Book, Author and Review registered.
// bookPolicy is applied to Book; Author and Review default to enabled.
func Registry(bookPolicy schema.RawPolicy) *resource.Registry {
	reg := resource.NewRegistry(BaseURL)
	must(reg.Register(Book{}, resource.Metadata{
		Class:                "Book",
		Mercure:              bookPolicy,
		NormalizationContext: map[string]any{"groups": []string{"read"}},
	}))
	must(reg.Register(Author{}, resource.Metadata{
		Class:   "Author",
		Mercure: schema.Enabled(),
	}))
	must(reg.Register(Review{}, resource.Metadata{
		Class:   "Review",
		Types:   []string{"Review", "https://schema.org/Review"},
		Mercure: schema.Enabled(),
	}))
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
