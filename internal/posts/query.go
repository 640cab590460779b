package posts

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/postsync/internal/records"
)

// SortField selects the post attribute used for ordering.
type SortField string

const (
	SortByID    SortField = "id"
	SortByTitle SortField = "title"
)

// SortOrder selects ascending or descending order.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// DefaultPageSize is the page size used when a query does not set one.
const DefaultPageSize = 10

// Query describes a filtered, ordered and paginated view of the cached posts.
type Query struct {
	Search   string
	SortBy   SortField
	Order    SortOrder
	Page     int
	PageSize int
}

// Page is one page of a Query result.
type Page struct {
	Posts      []records.Post `json:"posts"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalPages int            `json:"totalPages"`
}

// Query derives a display page from the cached posts. It never fetches.
func (s *Store) Query(query Query) Page {
	return ApplyQuery(s.Posts(), query)
}

// ApplyQuery filters posts by a case-insensitive term over id, title and body, sorts them and
// cuts the requested page. Out-of-range pages yield an empty slice.
func ApplyQuery(posts []records.Post, query Query) Page {
	term := strings.ToLower(strings.TrimSpace(query.Search))
	filtered := make([]records.Post, 0, len(posts))
	for _, post := range posts {
		if term == "" ||
			strings.Contains(strconv.FormatInt(post.ID.Int64(), 10), term) ||
			strings.Contains(strings.ToLower(post.Title), term) ||
			strings.Contains(strings.ToLower(post.Body), term) {
			filtered = append(filtered, post)
		}
	}

	slices.SortStableFunc(filtered, func(a, b records.Post) int {
		comparison := cmp.Compare(a.ID, b.ID)
		if query.SortBy == SortByTitle {
			comparison = strings.Compare(a.Title, b.Title)
		}
		if query.Order == OrderDesc {
			return -comparison
		}
		return comparison
	})

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	totalPages := (len(filtered) + pageSize - 1) / pageSize

	start := min((page-1)*pageSize, len(filtered))
	end := min(start+pageSize, len(filtered))

	return Page{
		Posts:      filtered[start:end],
		Total:      len(filtered),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
