// Package ringer управляет рингтоном входящего вызова.
//
// Рингтон живет ровно столько, сколько ожидающее предложение вызова:
// Stop синхронный, после его возврата звук гарантированно остановлен.
package ringer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/web_phone/pkg/prefs"
)

// Playback запущенное проигрывание
type Playback interface {
	Stop()
}

// Player проигрывает звук по кругу до остановки.
type Player interface {
	Loop(asset Asset, volume float64) (Playback, error)
}

// PlayerFunc адаптер функции к Player
type PlayerFunc func(asset Asset, volume float64) (Playback, error)

func (f PlayerFunc) Loop(asset Asset, volume float64) (Playback, error) {
	return f(asset, volume)
}

// ErrNoPlayer нет ни одного рабочего проигрывателя
var ErrNoPlayer = errors.New("no ringtone player available")

// Config конфигурация Notifier
type Config struct {
	Primary  Player
	Fallback Player
	Prefs    prefs.Store
	// Asset нулевой - генерируется стандартный сигнал
	Asset  Asset
	Logger *zerolog.Logger
}

// Notifier проигрывает рингтон, пока ожидается ответ на входящий вызов.
type Notifier struct {
	cfg Config

	mu           sync.Mutex
	playback     Playback
	offerID      string
	usedFallback bool
}

// New создает Notifier
func New(cfg Config) *Notifier {
	if len(cfg.Asset.PCM) == 0 {
		cfg.Asset = DefaultAsset()
	}
	if cfg.Prefs == nil {
		cfg.Prefs = prefs.NewMemoryStore()
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Notifier{cfg: cfg}
}

// Ring запускает рингтон для предложения offerID. Если основной
// проигрыватель не запустился, используется запасной с тем же звуком
// и громкостью. Повторный Ring для того же предложения ничего не делает,
// для другого - перезапускает звук.
func (n *Notifier) Ring(offerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.playback != nil {
		if n.offerID == offerID {
			return nil
		}
		n.playback.Stop()
		n.playback = nil
	}

	volume := prefs.RingtoneVolume(n.cfg.Prefs)
	logger := n.cfg.Logger.With().Str("offer_id", offerID).Float64("volume", volume).Logger()

	var primaryErr error
	if n.cfg.Primary != nil {
		pb, err := n.cfg.Primary.Loop(n.cfg.Asset, volume)
		if err == nil {
			n.playback, n.offerID, n.usedFallback = pb, offerID, false
			logger.Debug().Msg("рингтон запущен")
			return nil
		}
		primaryErr = err
		logger.Warn().Err(err).Msg("основной проигрыватель рингтона не запустился")
	}

	if n.cfg.Fallback == nil {
		if primaryErr != nil {
			return errors.Wrap(primaryErr, "failed to start ringtone")
		}
		return ErrNoPlayer
	}

	pb, err := n.cfg.Fallback.Loop(n.cfg.Asset, volume)
	if err != nil {
		return errors.Wrap(err, "failed to start fallback ringtone")
	}
	n.playback, n.offerID, n.usedFallback = pb, offerID, true
	logger.Info().Msg("рингтон запущен через запасной проигрыватель")
	return nil
}

// Stop останавливает рингтон. Синхронный и идемпотентный.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.playback == nil {
		return
	}
	n.playback.Stop()
	n.playback = nil
	n.cfg.Logger.Debug().Str("offer_id", n.offerID).Msg("рингтон остановлен")
	n.offerID = ""
}

// IsRinging играет ли рингтон
func (n *Notifier) IsRinging() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playback != nil
}

// OfferID предложение, для которого играет рингтон
func (n *Notifier) OfferID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offerID
}

// UsingFallback сообщает, что рингтон играет через запасной проигрыватель
func (n *Notifier) UsingFallback() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playback != nil && n.usedFallback
}
