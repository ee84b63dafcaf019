package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yusliao/mesevents/pkg/mesevents/bus"
	"github.com/yusliao/mesevents/pkg/mesevents/deadletter"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
)

const (
	defaultReplayCount = 10
	maxStatsDays       = 366
	healthTimeout      = 2 * time.Second
)

type publishTestRequest struct {
	AggregateID string          `json:"aggregateId"`
	Fields      json.RawMessage `json:"fields"`
}

// handlePublishTest handles POST /api/events/test/:type.
// The event is tagged with metadata test=true. Its handlers outlive the
// request, even when the bus propagates cancellation.
func (s *Server) handlePublishTest(c *gin.Context) {
	eventType := c.Param("type")

	var req publishTestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	payload, err := s.catalog.NewPayload(eventType, req.Fields)
	if err != nil {
		badRequest(c, "Invalid event fields", err)
		return
	}
	if req.AggregateID == "" {
		req.AggregateID = "test-" + uuid.NewString()
	}

	e := event.New(req.AggregateID, payload,
		event.WithMetadata(map[string]string{event.MetaTest: "true"}))
	ack, err := s.bus.Publish(context.WithoutCancel(c.Request.Context()), e)
	if err != nil {
		abort(c, http.StatusInternalServerError, errPersistence, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusCreated, ack)
}

// handleStats handles GET /api/events/stats?days=N. The window covers the
// last N calendar days including today.
func (s *Server) handleStats(c *gin.Context) {
	days, err := intQuery(c, "days", 1)
	if err != nil || days < 1 || days > maxStatsDays {
		badRequest(c, "days must be between 1 and 366", err)
		return
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -(days - 1))
	c.JSON(http.StatusOK, s.bus.Statistics(from, to))
}

type historyItem struct {
	EventID     string            `json:"eventId"`
	AggregateID string            `json:"aggregateId"`
	EventType   string            `json:"eventType"`
	OccurredOn  time.Time         `json:"occurredOn"`
	Version     string            `json:"version"`
	UserID      *int64            `json:"userId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Event       json.RawMessage   `json:"event"`
}

func historyItemFrom(r store.Record) historyItem {
	item := historyItem{
		EventID:     r.EventID,
		AggregateID: r.AggregateID,
		EventType:   r.EventType,
		OccurredOn:  r.OccurredOn,
		Version:     r.Version,
		UserID:      r.UserID,
		Metadata:    r.Metadata,
	}
	if json.Valid(r.Payload) {
		item.Event = r.Payload
	}
	return item
}

// handleHistory handles GET /api/events/history.
// Query parameters: aggregateId, eventType, since (RFC3339), limit.
func (s *Server) handleHistory(c *gin.Context) {
	var q struct {
		AggregateID string    `form:"aggregateId"`
		EventType   string    `form:"eventType"`
		Since       time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
		Limit       int       `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "Invalid query parameters", err)
		return
	}
	if q.AggregateID == "" && q.EventType == "" {
		badRequest(c, "aggregateId or eventType is required", nil)
		return
	}

	recs, err := s.bus.History(c.Request.Context(), bus.HistoryQuery{
		AggregateID: q.AggregateID,
		EventType:   q.EventType,
		Since:       q.Since,
		Limit:       q.Limit,
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, errInternal, "Failed to read history", err)
		return
	}

	items := make([]historyItem, len(recs))
	for i, r := range recs {
		items[i] = historyItemFrom(r)
	}
	c.JSON(http.StatusOK, gin.H{"events": items, "count": len(items)})
}

// handleListDeadLetters handles GET /api/events/deadletter?type=&limit=.
func (s *Server) handleListDeadLetters(c *gin.Context) {
	if !s.requireDeadLetters(c) {
		return
	}
	limit, err := intQuery(c, "limit", deadletter.DefaultListLimit)
	if err != nil {
		badRequest(c, "limit must be an integer", err)
		return
	}

	entries, err := s.deadLetters.List(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, errInternal, "Failed to list dead letters", err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// handleDeadLetterCounts handles GET /api/events/deadletter/counts.
func (s *Server) handleDeadLetterCounts(c *gin.Context) {
	if !s.requireDeadLetters(c) {
		return
	}
	counts, err := s.deadLetters.Counts(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, errInternal, "Failed to count dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": counts})
}

// handleReplay handles POST /api/events/deadletter/:type/replay?count=N.
func (s *Server) handleReplay(c *gin.Context) {
	if !s.requireDeadLetters(c) {
		return
	}
	count, err := intQuery(c, "count", defaultReplayCount)
	if err != nil || count < 1 {
		badRequest(c, "count must be a positive integer", err)
		return
	}

	res, err := s.deadLetters.Replay(c.Request.Context(), c.Param("type"), count)
	if err != nil {
		if errors.Is(err, event.ErrTransportDisabled) {
			abort(c, http.StatusConflict, errTransportDisabled, "Replay requires a broadcast transport", err)
			return
		}
		abort(c, http.StatusInternalServerError, errInternal, "Failed to replay dead letters", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handlePurge handles DELETE /api/events/deadletter/:type.
func (s *Server) handlePurge(c *gin.Context) {
	if !s.requireDeadLetters(c) {
		return
	}
	n, err := s.deadLetters.Purge(c.Request.Context(), c.Param("type"))
	if err != nil {
		abort(c, http.StatusInternalServerError, errInternal, "Failed to purge dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// handleHealth handles GET /health: 200 when every enabled component is
// reachable, 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	h := s.bus.Health(ctx)
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
		s.logger.Warn("health check failed", "components", h.Components)
	}
	c.JSON(status, h)
}

func (s *Server) requireDeadLetters(c *gin.Context) bool {
	if s.deadLetters == nil {
		abort(c, http.StatusServiceUnavailable, errDeadLetterDisabled, "Dead-letter queues are not configured", nil)
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
