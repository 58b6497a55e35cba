package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/session"
	"github.com/egparedes/hpx-dashboard/internal/wire"
)

// currentCollection is accepted wherever a collection id is expected.
const currentCollection = "current"

func collectionParam(id string) string {
	if id == currentCollection {
		return model.DefaultCollectionID
	}
	return id
}

// keyFromQuery reads counter, instance, collection and label query parameters.
func keyFromQuery(c *gin.Context) (model.SubscriptionKey, error) {
	counter := c.Query("counter")
	if counter == "" {
		return model.SubscriptionKey{}, errors.New("missing counter parameter")
	}
	inst, err := wire.ParseInstance(c.Query("instance"))
	if err != nil {
		return model.SubscriptionKey{}, err
	}
	return model.SubscriptionKey{
		Counter:      counter,
		Instance:     inst,
		CollectionID: collectionParam(c.Query("collection")),
		Label:        c.Query("label"),
	}, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":        "ok",
		"uptime":        time.Since(s.startTime).String(),
		"session":       s.deps.Sessions.SessionDir(),
		"subscriptions": s.deps.Observers.Len(),
		"backlog":       s.deps.Observers.Backlog(),
	}
	if s.deps.Worker != nil {
		body["worker"] = gin.H{
			"state":    s.deps.Worker.State().String(),
			"flushing": s.deps.Worker.Flushing(),
			"counters": s.deps.Worker.Counters(),
		}
	}
	if s.deps.Queue != nil {
		body["queue"] = gin.H{"len": s.deps.Queue.Len(), "cap": s.deps.Queue.Cap()}
	}
	if s.deps.Mirror != nil {
		count, err := s.deps.Mirror.TotalSampleCount()
		if err != nil {
			s.log.Warn("health: mirror count failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read mirror sample count"})
			return
		}
		body["mirror_samples"] = count
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": s.deps.Sessions.Collections()})
}

func (s *Server) handleRollover(c *gin.Context) {
	if s.deps.Worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion is not running"})
		return
	}
	id, err := s.deps.Worker.Rollover(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	info := model.CollectionInfo{ID: id, Active: true}
	if col, ok := s.deps.Sessions.GetCollection(id); ok {
		info = col.Info()
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleDropCollection(c *gin.Context) {
	id := c.Param("id")
	err := s.deps.Sessions.DropCollection(id)
	switch {
	case errors.Is(err, session.ErrUnknownCollection):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, session.ErrActiveCollection):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"dropped": id}
	if s.deps.Mirror != nil {
		n, err := s.deps.Mirror.DeleteCollection(id)
		if err != nil {
			s.log.Warn("mirror delete failed", zap.String("collection", id), zap.Error(err))
		}
		body["mirror_deleted"] = n
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleLines(c *gin.Context) {
	col, ok := s.deps.Sessions.GetCollection(collectionParam(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"collection": col.Info(), "lines": col.Lines()})
}

func (s *Server) handleStats(c *gin.Context) {
	key, err := keyFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, ok := s.deps.Observers.GetStats(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching line"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "stats": st})
}

func (s *Server) handleHistory(c *gin.Context) {
	key, err := keyFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	points, ok := s.deps.Observers.History(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching line"})
		return
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil && limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "points": points})
}

func (s *Server) requireMirror(c *gin.Context) bool {
	if s.deps.Mirror == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytic mirror is disabled"})
		return false
	}
	return true
}

func (s *Server) handleSchema(c *gin.Context) {
	if !s.requireMirror(c) {
		return
	}
	tables, err := s.deps.Mirror.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.deps.Mirror.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": s.deps.Mirror.GetSchemaDescription(),
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleSummaries(c *gin.Context) {
	if !s.requireMirror(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	// An empty collection means every collection to the mirror, so the
	// alias is resolved to the active id here.
	collection := c.Query("collection")
	if collection == currentCollection {
		col, ok := s.deps.Sessions.GetCollection(model.DefaultCollectionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active collection"})
			return
		}
		collection = col.ID()
	}
	sums, err := s.deps.Mirror.CounterSummaries(collection, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": sums})
}

func (s *Server) handleQuery(c *gin.Context) {
	if !s.requireMirror(c) {
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.deps.Mirror.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
