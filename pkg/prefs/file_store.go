package prefs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// FileStore хранит предпочтения в YAML файле через viper.
// Каждое изменение сразу записывается на диск.
type FileStore struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// OpenFileStore открывает файл предпочтений. Отсутствующий файл
// не ошибка: он будет создан при первой записи.
func OpenFileStore(path string) (*FileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(KeyRingtoneVolume, DefaultRingtoneVolume)
	v.SetDefault(KeyCallVolume, DefaultCallVolume)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "чтение предпочтений %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "доступ к предпочтениям %s", path)
	}

	return &FileStore{v: v, path: path}, nil
}

func (f *FileStore) String(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v.GetString(key)
}

func (f *FileStore) Float(key string, def float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.v.IsSet(key) {
		return def
	}
	return f.v.GetFloat64(key)
}

// Set сохраняет значение и записывает файл.
func (f *FileStore) Set(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.v.Set(key, value)
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "создание каталога предпочтений")
		}
	}
	if err := f.v.WriteConfigAs(f.path); err != nil {
		return errors.Wrapf(err, "запись предпочтений %s", f.path)
	}
	return nil
}

// Path путь к файлу предпочтений
func (f *FileStore) Path() string {
	return f.path
}
