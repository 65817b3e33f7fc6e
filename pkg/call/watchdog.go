package call

import (
	"context"
	"sync"

	"github.com/arzzra/web_phone/pkg/media"
)

// watchdog периодически включает обратно удаленные аудио дорожки,
// которые шлюз выключил или прислал выключенными.
type watchdog struct {
	quit chan struct{}
	once sync.Once
}

func (w *watchdog) stop() {
	w.once.Do(func() { close(w.quit) })
}

func (c *Controller) startWatchdogLocked() {
	if c.watchdog != nil {
		return
	}
	w := &watchdog{quit: make(chan struct{})}
	c.watchdog = w
	ticker := c.cfg.Clock.Ticker(c.cfg.WatchdogInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-w.quit:
				return
			case <-ticker.C:
				c.watchdogTick(w)
			}
		}
	}()
}

// stopWatchdogLocked останавливает watchdog без ожидания горутины:
// она сама проверит, что watchdog сменился.
func (c *Controller) stopWatchdogLocked() {
	if c.watchdog == nil {
		return
	}
	c.watchdog.stop()
	c.watchdog = nil
}

// WatchdogRunning работает ли watchdog
func (c *Controller) WatchdogRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchdog != nil
}

func (c *Controller) watchdogTick(w *watchdog) {
	// поток мог появиться у шлюза после ответа
	remote := c.cfg.Signaling.RemoteStream()

	c.mu.Lock()
	if c.watchdog != w || c.sess == nil || !c.stateLocked().InCall() {
		c.mu.Unlock()
		return
	}

	s := c.sess
	if s.remoteStream == nil && remote != nil {
		s.remoteStream = remote
		c.cfg.Logger.Info().Str("session_id", s.id).Str("stream_id", remote.ID()).Msg("удаленный поток появился после ответа")
		c.bindRemoteLocked(context.Background())
		c.queueLocked(EventStateChanged, nil)
	}

	if s.remoteStream != nil {
		if n := media.SetTracksEnabled(s.remoteStream.AudioTracks(), true); n > 0 {
			c.cfg.Metrics.watchdogRepairs.Add(float64(n))
			c.cfg.Logger.Info().Str("session_id", s.id).Int("tracks", n).Msg("удаленные дорожки включены обратно")
		}
	}
	c.unlock()
}
