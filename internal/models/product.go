package models

import (
	"math"
	"time"
)

// Product is one scraped product with its pack-size pricings
type Product struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Pricings []Pricing `json:"pricings"`
}

// Pricing is the price of one pack size
type Pricing struct {
	PackSize     string  `json:"packSize"`
	TotalPrice   float64 `json:"totalPrice"`
	PricePerSeed float64 `json:"pricePerSeed,omitempty"`
}

// Cents converts the total price to integer cents
func (p Pricing) Cents() int64 {
	return int64(math.Round(p.TotalPrice * 100))
}

// PriceKey identifies one pack size of one product of a seller
func PriceKey(productURL, packSize string) string {
	return productURL + "|" + packSize
}

// PriceSnapshot is the last known price of a product pack size
type PriceSnapshot struct {
	SellerID    string    `json:"sellerId" db:"seller_id"`
	ProductURL  string    `json:"productUrl" db:"product_url"`
	ProductName string    `json:"productName" db:"product_name"`
	PackSize    string    `json:"packSize" db:"pack_size"`
	PriceCents  int64     `json:"priceCents" db:"price_cents"`
	ObservedAt  time.Time `json:"observedAt" db:"observed_at"`
}

// PriceDrop is a decrease of one product pack size between two scrapes
type PriceDrop struct {
	ProductName string `json:"productName"`
	ProductURL  string `json:"productUrl"`
	PackSize    string `json:"packSize"`
	OldPrice    int64  `json:"oldPrice"` // cents
	NewPrice    int64  `json:"newPrice"` // cents
}

// PercentOff returns the relative decrease in percent
func (d PriceDrop) PercentOff() float64 {
	if d.OldPrice <= 0 {
		return 0
	}
	return float64(d.OldPrice-d.NewPrice) / float64(d.OldPrice) * 100
}

// Watcher is a user holding a product in a watch list
type Watcher struct {
	UserID string `json:"userId" db:"user_id"`
	Email  string `json:"email" db:"email"`
}

// PersistResult reports the outcome of saving a scrape's products
type PersistResult struct {
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}
