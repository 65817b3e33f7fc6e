package control

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/arzzra/web_phone/pkg/call"
	"github.com/arzzra/web_phone/pkg/devices"
	"github.com/arzzra/web_phone/pkg/media"
)

type stateResponse struct {
	call.Snapshot
	AudioLevel    float64 `json:"audio_level"`
	AudioDetected bool    `json:"audio_detected"`
}

type callRequest struct {
	Number string `json:"number" binding:"required"`
	Video  bool   `json:"video"`
}

type digitRequest struct {
	Digit string `json:"digit" binding:"required"`
}

type deviceRequest struct {
	ID string `json:"id"`
}

// errorStatus HTTP код по классу ошибки
func errorStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidNumber), errors.Is(err, devices.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrNoPendingOffer):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, media.ErrPlaybackPolicy):
		return http.StatusConflict
	case errors.Is(err, media.ErrSignaling):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) state() stateResponse {
	return stateResponse{
		Snapshot:      s.cfg.Phone.Snapshot(),
		AudioLevel:    s.cfg.Phone.AudioLevel(),
		AudioDetected: s.cfg.Phone.IsAudioDetected(),
	}
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.state())
}

// handleCall проверяет номер и состояние сразу, а набор идет в фоне:
// результат приходит событием
func (s *Server) handleCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid number"})
		return
	}
	if _, err := call.NormalizeNumber(req.Number); err != nil {
		s.fail(c, err)
		return
	}
	if st := s.cfg.Phone.Snapshot().State; st != call.StateIdle {
		s.fail(c, errors.Wrapf(call.ErrInvalidState, "place call in %s", st))
		return
	}

	go func() {
		ctx, cancel := s.operation()
		defer cancel()
		if err := s.cfg.Phone.PlaceCall(ctx, req.Number, req.Video); err != nil {
			s.logger.Info().Err(err).Msg("вызов завершился ошибкой")
		}
	}()
	c.JSON(http.StatusAccepted, s.state())
}

func (s *Server) handleHangup(c *gin.Context) {
	ctx, cancel := s.operation()
	defer cancel()
	if err := s.cfg.Phone.Hangup(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) handleAnswer(c *gin.Context) {
	ctx, cancel := s.operation()
	defer cancel()
	if err := s.cfg.Phone.AcceptIncoming(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) handleReject(c *gin.Context) {
	ctx, cancel := s.operation()
	defer cancel()
	if err := s.cfg.Phone.RejectIncoming(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) handleAck(c *gin.Context) {
	if err := s.cfg.Phone.Acknowledge(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) handleMute(c *gin.Context) {
	muted, err := s.cfg.Phone.ToggleMute()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (s *Server) handleVideo(c *gin.Context) {
	enabled, err := s.cfg.Phone.ToggleVideo()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_enabled": enabled})
}

func (s *Server) handleHold(c *gin.Context) {
	ctx, cancel := s.operation()
	defer cancel()
	onHold, err := s.cfg.Phone.ToggleHold(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"on_hold": onHold})
}

func (s *Server) handleDigit(c *gin.Context) {
	var req digitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing digit"})
		return
	}
	ctx, cancel := s.operation()
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"played": s.cfg.Phone.SendDigit(ctx, req.Digit)})
}

func (s *Server) handleEnableAudio(c *gin.Context) {
	ctx, cancel := s.operation()
	defer cancel()
	if err := s.cfg.Phone.EnableAudio(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) handleDevices(c *gin.Context) {
	list, err := s.cfg.Devices.ListDevices(c.Request.Context())
	resp := gin.H{
		"devices":   list,
		"selection": s.cfg.Devices.Selection(),
	}
	if err != nil {
		// нет доступа к устройствам не фатально: отдаем что есть
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSelectDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.cfg.Devices.SelectDevice(devices.Kind(c.Param("kind")), req.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selection": s.cfg.Devices.Selection()})
}
