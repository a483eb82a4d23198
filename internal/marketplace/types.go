package marketplace

// Listing is one item as returned by the search and item endpoints.
type Listing struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url,omitempty"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

// SearchRequest describes one page of a keyword search.
type SearchRequest struct {
	Keywords     string
	MinPrice     *float64
	MaxPrice     *float64
	Condition    string
	BuyingFormat string
	Limit        int
	Offset       int
}

// SearchResult is one page of search results.
type SearchResult struct {
	Items      []Listing `json:"items"`
	Total      int       `json:"total"`
	NextOffset int       `json:"next_offset,omitempty"` // 0 when there are no more pages
}
