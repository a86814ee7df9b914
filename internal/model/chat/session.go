package chat

// Session is a persisted conversation, stored one file per id.
type Session struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
	Messages  []Turn  `json:"messages"`
}

// IndexEntry mirrors session metadata for fast listing.
type IndexEntry struct {
	ID        string  `json:"id" msgpack:"id"`
	Title     string  `json:"title" msgpack:"title"`
	UpdatedAt float64 `json:"updated_at" msgpack:"updated_at"`
}
