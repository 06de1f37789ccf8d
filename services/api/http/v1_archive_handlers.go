package http

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/lnhm-botany/plant-monitor/internal/storage"
)

const readingsPrefix = "readings/"

// handleV1ArchiveDates lists the dates that have archived readings
// GET /api/v1/archive/dates
func (s *Server) handleV1ArchiveDates(c *gin.Context) {
	if s.objects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive storage not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	objects, err := s.objects.List(ctx, readingsPrefix)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	dates := lo.Uniq(lo.FilterMap(lo.Map(objects, func(o storage.Object, _ int) string { return o.Key }), archiveDate))
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	c.JSON(http.StatusOK, gin.H{
		"data": dates,
		"meta": gin.H{"count": len(dates)},
	})
}

// handleV1ArchiveObjects lists archived objects under a prefix
// GET /api/v1/archive/objects?prefix=
func (s *Server) handleV1ArchiveObjects(c *gin.Context) {
	if s.objects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive storage not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	prefix := c.Query("prefix")
	objects, err := s.objects.List(ctx, prefix)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": objects,
		"meta": gin.H{
			"prefix": prefix,
			"count":  len(objects),
		},
	})
}

// archiveDate extracts the date from readings/<date>/<table>.csv.
func archiveDate(key string, _ int) (string, bool) {
	rest, ok := strings.CutPrefix(key, readingsPrefix)
	if !ok {
		return "", false
	}
	date, _, ok := strings.Cut(rest, "/")
	if !ok {
		return "", false
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", false
	}
	return date, true
}
