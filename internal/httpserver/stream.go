package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// streamBuffer is how many updates a stream holds before its subscription
// mailbox starts queueing.
const streamBuffer = 256

// handleStream subscribes to the requested key and forwards every update as
// an "update" event, plus a "collection" event on each rollover, until the
// client goes away or the server stops.
func (s *Server) handleStream(c *gin.Context) {
	key, err := keyFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	updates := make(chan model.Update, streamBuffer)
	switches := make(chan string, 8)

	// Callbacks run on the subscription's mailbox goroutine; blocking there
	// only delays this stream.
	sub := s.deps.Observers.Subscribe(key, func(u model.Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})
	defer sub.Unsubscribe()
	csub := s.deps.Observers.SubscribeCollections(func(id string) {
		select {
		case switches <- id:
		case <-ctx.Done():
		}
	})
	defer csub.Unsubscribe()

	s.log.Debug("stream opened", zap.Stringer("subscription", sub))
	defer s.log.Debug("stream closed", zap.Stringer("subscription", sub))

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("subscribed", key)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			c.SSEvent("update", u)
		case id := <-switches:
			c.SSEvent("collection", gin.H{"id": id})
		}
		c.Writer.Flush()
	}
}
