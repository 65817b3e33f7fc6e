// Package prefs хранит пользовательские предпочтения софтфона:
// выбранные устройства и громкости. Формат - простой ключ-значение,
// переживает перезапуск приложения.
package prefs

import (
	"sync"
)

// Ключи предпочтений
const (
	KeyAudioInput     = "devices.audio_input_id"
	KeyAudioOutput    = "devices.audio_output_id"
	KeyVideoInput     = "devices.video_input_id"
	KeyRingtoneVolume = "volume.ringtone"
	KeyCallVolume     = "volume.call"
)

const (
	DefaultRingtoneVolume = 0.8
	DefaultCallVolume     = 1.0
)

// Store хранилище ключ-значение.
type Store interface {
	String(key string) string
	Float(key string, def float64) float64
	Set(key string, value any) error
}

// DevicePreference выбранные пользователем устройства.
// Пустой ID означает "не выбрано".
type DevicePreference struct {
	AudioInputID  string
	AudioOutputID string
	VideoInputID  string
}

// LoadDevicePreference читает выбор устройств.
func LoadDevicePreference(s Store) DevicePreference {
	return DevicePreference{
		AudioInputID:  s.String(KeyAudioInput),
		AudioOutputID: s.String(KeyAudioOutput),
		VideoInputID:  s.String(KeyVideoInput),
	}
}

// RingtoneVolume громкость рингтона в [0,1]
func RingtoneVolume(s Store) float64 {
	return clampVolume(s.Float(KeyRingtoneVolume, DefaultRingtoneVolume))
}

// CallVolume громкость собеседника в [0,1]
func CallVolume(s Store) float64 {
	return clampVolume(s.Float(KeyCallVolume, DefaultCallVolume))
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// MemoryStore хранилище в памяти, для тестов и режима без файла.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) String(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.values[key].(string); ok {
		return s
	}
	return ""
}

func (m *MemoryStore) Float(key string, def float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch v := m.values[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func (m *MemoryStore) Set(key string, value any) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}
