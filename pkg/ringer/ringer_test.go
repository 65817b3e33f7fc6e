package ringer

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/web_phone/pkg/prefs"
)

type fakePlayback struct {
	stopped atomic.Int32
}

func (p *fakePlayback) Stop() { p.stopped.Add(1) }

type fakePlayer struct {
	err     error
	started []*fakePlayback
	volumes []float64
	assets  []Asset
}

func (p *fakePlayer) Loop(asset Asset, volume float64) (Playback, error) {
	if p.err != nil {
		return nil, p.err
	}
	pb := &fakePlayback{}
	p.started = append(p.started, pb)
	p.volumes = append(p.volumes, volume)
	p.assets = append(p.assets, asset)
	return pb, nil
}

func TestRingAndStop(t *testing.T) {
	store := prefs.NewMemoryStore()
	require.NoError(t, store.Set(prefs.KeyRingtoneVolume, 0.3))
	primary := &fakePlayer{}
	n := New(Config{Primary: primary, Prefs: store})

	require.NoError(t, n.Ring("offer-1"))
	assert.True(t, n.IsRinging())
	assert.Equal(t, "offer-1", n.OfferID())
	require.Len(t, primary.started, 1)
	assert.InDelta(t, 0.3, primary.volumes[0], 1e-9)

	n.Stop()
	assert.False(t, n.IsRinging(), "рингтон остановлен к моменту возврата Stop")
	assert.EqualValues(t, 1, primary.started[0].stopped.Load())

	n.Stop()
	assert.EqualValues(t, 1, primary.started[0].stopped.Load(), "повторный Stop ничего не делает")
}

func TestRingSameOfferIdempotent(t *testing.T) {
	primary := &fakePlayer{}
	n := New(Config{Primary: primary})

	require.NoError(t, n.Ring("offer-1"))
	require.NoError(t, n.Ring("offer-1"))
	assert.Len(t, primary.started, 1)

	require.NoError(t, n.Ring("offer-2"))
	require.Len(t, primary.started, 2)
	assert.EqualValues(t, 1, primary.started[0].stopped.Load())
	assert.Equal(t, "offer-2", n.OfferID())
}

func TestFallbackSameAssetAndVolume(t *testing.T) {
	primary := &fakePlayer{err: errors.New("device busy")}
	fallback := &fakePlayer{}
	asset := Asset{PCM: []int16{1, 2, 3}, SampleRate: 8000}
	n := New(Config{Primary: primary, Fallback: fallback, Asset: asset})

	require.NoError(t, n.Ring("offer-1"))
	assert.True(t, n.IsRinging())
	assert.True(t, n.UsingFallback())
	require.Len(t, fallback.started, 1)
	assert.Equal(t, asset, fallback.assets[0])
	assert.InDelta(t, prefs.DefaultRingtoneVolume, fallback.volumes[0], 1e-9)

	n.Stop()
	assert.EqualValues(t, 1, fallback.started[0].stopped.Load())
}

func TestBothPlayersFail(t *testing.T) {
	n := New(Config{
		Primary:  &fakePlayer{err: errors.New("primary")},
		Fallback: &fakePlayer{err: errors.New("fallback")},
	})
	assert.Error(t, n.Ring("offer-1"))
	assert.False(t, n.IsRinging())

	assert.ErrorIs(t, New(Config{}).Ring("x"), ErrNoPlayer)
}

func TestDefaultAssetCadence(t *testing.T) {
	a := DefaultAsset()
	assert.Equal(t, RingSampleRate, a.SampleRate)
	assert.Equal(t, RingOn+RingOff, a.Duration())

	var loud int
	for _, s := range a.PCM[:RingSampleRate] {
		if s != 0 {
			loud++
		}
	}
	assert.Greater(t, loud, RingSampleRate/2)
	for _, s := range a.PCM[RingSampleRate:] {
		require.Zero(t, s)
	}
}

func TestLoadRawAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.raw")
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}, 0o644))

	a, err := LoadRawAsset(path, 16000)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, -1, -32768}, a.PCM)
	assert.Equal(t, 16000, a.SampleRate)

	_, err = LoadRawAsset(filepath.Join(t.TempDir(), "missing.raw"), 8000)
	assert.Error(t, err)
	_, err = LoadRawAsset(path, 0)
	assert.Error(t, err)
}
