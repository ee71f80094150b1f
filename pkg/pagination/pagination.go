package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// Params represents pagination parameters
type Params struct {
	Page     int
	PageSize int
	Offset   int
}

// Meta is the pagination block returned alongside list payloads
type Meta struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// FromQuery extracts page and limit query parameters, clamping limit to
// [1, maxLimit] and falling back to defaultLimit when absent or invalid
func FromQuery(c *gin.Context, defaultLimit, maxLimit int) Params {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("limit"))

	return New(page, pageSize, defaultLimit, maxLimit)
}

// New normalises raw page and limit values
func New(page, pageSize, defaultLimit, maxLimit int) Params {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultLimit
	}
	if pageSize > maxLimit {
		pageSize = maxLimit
	}

	return Params{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}
}

// NewMeta builds the pagination block for a result set of total rows
func (p Params) NewMeta(total int64) Meta {
	totalPages := int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	if totalPages < 1 {
		totalPages = 1
	}
	return Meta{
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: totalPages,
	}
}
