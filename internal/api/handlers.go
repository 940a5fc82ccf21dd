package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/logging"
	"market-alerts/internal/models"
	"market-alerts/internal/resilience"
	"market-alerts/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidCondition):
		abortWithError(c, http.StatusBadRequest, "INVALID_CONDITION", err.Error())
	case apperrors.Is(err, apperrors.ErrNoChannels):
		abortWithError(c, http.StatusBadRequest, "NO_CHANNELS", err.Error())
	case apperrors.Is(err, apperrors.ErrUnknownChannel):
		abortWithError(c, http.StatusBadRequest, "UNKNOWN_CHANNEL", err.Error())
	case apperrors.Is(err, apperrors.ErrValidation):
		abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
	case apperrors.Is(err, apperrors.ErrAlertNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case apperrors.Is(err, apperrors.ErrDeliveryFailed):
		abortWithError(c, http.StatusBadGateway, "DELIVERY_FAILED", err.Error())
	default:
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Request failed")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func notFound(c *gin.Context, id string) {
	abortWithError(c, http.StatusNotFound, "NOT_FOUND", "alert not found: "+id)
}

func (s *Server) createAlert(c *gin.Context) {
	var spec models.AlertSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	alert, err := s.engine.CreateAlert(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

type listAlertsResponse struct {
	Items []*models.Alert `json:"items"`
}

func (s *Server) listAlerts(c *gin.Context) {
	activeOnly := false
	if raw := strings.TrimSpace(c.Query("active")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETER", "active must be a boolean")
			return
		}
		activeOnly = v
	}

	alerts, err := s.engine.ListAlerts(c.Request.Context(), activeOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	c.JSON(http.StatusOK, listAlertsResponse{Items: alerts})
}

func (s *Server) getAlert(c *gin.Context) {
	id := c.Param("id")
	alert, err := s.engine.GetAlert(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if alert == nil {
		notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type toggleRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) toggleAlert(c *gin.Context) {
	id := c.Param("id")
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Active == nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETER", "active is required")
		return
	}

	alert, err := s.engine.ToggleAlert(c.Request.Context(), id, *req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	if alert == nil {
		notFound(c, id)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) deleteAlert(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.engine.DeleteAlert(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		notFound(c, id)
		return
	}
	c.Status(http.StatusNoContent)
}

type checkResponse struct {
	Triggers []*models.AlertTrigger `json:"triggers"`
}

func (s *Server) checkAlerts(c *gin.Context) {
	var data models.MarketData
	if err := c.ShouldBindJSON(&data); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	triggers, err := s.engine.CheckAlerts(c.Request.Context(), data)
	if err != nil {
		writeError(c, err)
		return
	}
	if triggers == nil {
		triggers = []*models.AlertTrigger{}
	}
	c.JSON(http.StatusOK, checkResponse{Triggers: triggers})
}

type evaluateRequest struct {
	Condition string             `json:"condition" binding:"required"`
	Data      map[string]float64 `json:"data"`
}

type evaluateResponse struct {
	Condition string  `json:"condition"`
	Matched   bool    `json:"matched"`
	Found     bool    `json:"found"`
	Value     float64 `json:"value"`
}

func (s *Server) evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	matched, value, found, err := s.engine.EvaluateCondition(req.Condition, req.Data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, evaluateResponse{
		Condition: req.Condition,
		Matched:   matched,
		Found:     found,
		Value:     value,
	})
}

type historyResponse struct {
	Items []*models.AlertTrigger `json:"items"`
}

func (s *Server) history(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxHistoryLimit {
			abortWithError(c, http.StatusBadRequest, "INVALID_PARAMETER",
				"limit must be 0-"+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	items, err := s.engine.History(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*models.AlertTrigger{}
	}
	c.JSON(http.StatusOK, historyResponse{Items: items})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type breakerStatus struct {
	Name          string                  `json:"name"`
	State         resilience.CircuitState `json:"state"`
	TotalRequests int64                   `json:"total_requests"`
	TotalFailures int64                   `json:"total_failures"`
	TotalRejected int64                   `json:"total_rejected"`
}

type healthResponse struct {
	Status      string          `json:"status"`
	Uptime      string          `json:"uptime"`
	Channels    []string        `json:"channels"`
	Breakers    []breakerStatus `json:"breakers"`
	Subscribers int             `json:"subscribers"`
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Channels: s.engine.Channels(),
		Breakers: []breakerStatus{},
	}
	if s.breakers != nil {
		for _, st := range s.breakers.AllStats() {
			if st.State == resilience.CircuitOpen {
				resp.Status = "degraded"
			}
			resp.Breakers = append(resp.Breakers, breakerStatus{
				Name:          st.Name,
				State:         st.State,
				TotalRequests: st.TotalRequests,
				TotalFailures: st.TotalFailures,
				TotalRejected: st.TotalRejected,
			})
		}
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.SubscriberCount()
	}
	c.JSON(http.StatusOK, resp)
}

type channelsResponse struct {
	Items []string `json:"items"`
}

func (s *Server) listChannels(c *gin.Context) {
	c.JSON(http.StatusOK, channelsResponse{Items: s.engine.Channels()})
}

func (s *Server) testChannel(c *gin.Context) {
	name := c.Param("name")
	if err := s.engine.TestChannel(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": name, "status": "success"})
}

func (s *Server) resetBreakers(c *gin.Context) {
	if s.breakers != nil {
		s.breakers.ResetAll()
	}
	s.health(c)
}

// streamTriggers upgrades to a websocket and pushes every delivered trigger
// as a JSON message. ?symbol= narrows the feed to one symbol.
func (s *Server) streamTriggers(c *gin.Context) {
	if s.hub == nil {
		abortWithError(c, http.StatusServiceUnavailable, "STREAM_DISABLED", "trigger stream is not enabled")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		symbol = stream.AllSymbols
	}
	sub := s.hub.Subscribe(symbol)
	defer s.hub.Unsubscribe(sub)

	s.logger.Debug().Str("symbol", symbol).Msg("Stream client connected")

	// the read loop only services control frames and notices disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case t, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(t); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
