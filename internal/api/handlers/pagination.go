package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// parsePage reads ?page and ?page_size, falling back to sane values.
func parsePage(c *gin.Context) models.Page {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if err != nil || size < 1 || size > maxPageSize {
		size = defaultPageSize
	}
	return models.Page{Number: page, Size: size}
}

func pageResponse(items interface{}, total int64, page models.Page) gin.H {
	return gin.H{
		"items":     items,
		"total":     total,
		"page":      page.Number,
		"page_size": page.Size,
	}
}

// parseDateQuery reads a YYYY-MM-DD query value as UTC midnight. A missing
// value yields nil.
func parseDateQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected YYYY-MM-DD", key)
	}
	return &t, nil
}

// invoiceIDParam parses :id, writing a 400 when it is malformed.
func invoiceIDParam(c *gin.Context) (utils.SixID, bool) {
	id, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return utils.SixID{}, false
	}
	return id, true
}
