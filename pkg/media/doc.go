// Package media содержит модель медиа потоков софтфона: потоки и дорожки,
// PCM отводы для измерения уровня, декодеры G.711/Opus и классы ошибок ядра.
//
// Потоки приходят из сигнального слоя (WebRTC шлюз или SIP) и передаются
// компонентам ядра по ссылке. Компоненты не меняют состав потока,
// только включают и выключают дорожки, которые им явно передали.
//
// # Классы ошибок
//
//   - DeviceAccessError - нет разрешения или устройства, не фатальна
//   - SignalingError - ошибка операции шлюза, показывается как уведомление
//   - PlaybackPolicyError - запрет автовоспроизведения, включает запасной путь
//   - NoStreamError - операция без потока, молча игнорируется
//
//	if errors.Is(err, media.ErrNoStream) {
//	    return nil
//	}
package media
