package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicStreamTracks(t *testing.T) {
	audio := NewTrack("a1", TrackKindAudio)
	video := NewTrack("v1", TrackKindVideo)
	s := NewStream("s1", audio, video)

	assert.Equal(t, "s1", s.ID())
	assert.Equal(t, []Track{audio}, s.AudioTracks())
	assert.Equal(t, []Track{video}, s.VideoTracks())

	var added []string
	cancel := s.OnTrackAdded(func(tr Track) { added = append(added, tr.ID()) })
	s.AddTrack(NewTrack("a2", TrackKindAudio))
	s.AddTrack(NewTrack("a2", TrackKindAudio))
	assert.Equal(t, []string{"a2"}, added, "дубликат по ID не добавляется")
	assert.Len(t, s.AudioTracks(), 2)

	cancel()
	cancel()
	assert.Zero(t, s.ObserverCount())
	s.AddTrack(NewTrack("a3", TrackKindAudio))
	assert.Len(t, added, 1)

	s.RemoveTrack("a1")
	assert.Len(t, s.AudioTracks(), 2)
}

func TestTrackTapsAndEnable(t *testing.T) {
	tr := NewTrack("a1", TrackKindAudio)
	require.True(t, tr.Enabled())

	var frames int
	cancel := tr.TapPCM(func([]int16) { frames++ })

	tr.PushPCM([]int16{1, 2})
	tr.PushPCM(nil)
	assert.Equal(t, 1, frames)

	tr.SetEnabled(false)
	tr.PushPCM([]int16{1, 2})
	assert.Equal(t, 1, frames, "выключенная дорожка молчит")

	tr.SetEnabled(true)
	cancel()
	tr.PushPCM([]int16{1, 2})
	assert.Equal(t, 1, frames)
}

func TestSetTracksEnabled(t *testing.T) {
	a := NewTrack("a", TrackKindAudio)
	b := NewTrack("b", TrackKindAudio)
	b.SetEnabled(false)

	assert.Equal(t, 1, SetTracksEnabled([]Track{a, b}, true))
	assert.Equal(t, 2, SetTracksEnabled([]Track{a, b}, false))
	assert.Zero(t, SetTracksEnabled([]Track{a, b}, false))
	assert.Zero(t, SetTracksEnabled(nil, true))
}

func TestErrorKinds(t *testing.T) {
	cause := assert.AnError
	err := NewSignalingError("hangup", cause)

	assert.ErrorIs(t, err, ErrSignaling)
	assert.NotErrorIs(t, err, ErrNoStream)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorKindSignaling, KindOf(err))
	assert.Contains(t, err.Error(), "hangup")
	assert.False(t, IsBenign(err))

	assert.True(t, IsBenign(NewNoStreamError("attach")))
	assert.True(t, IsBenign(NewPlaybackPolicyError("play", nil)))
	assert.Equal(t, ErrorKindDeviceAccess, KindOf(NewDeviceAccessError("enumerate", cause)))
	assert.Zero(t, KindOf(cause))
	assert.Equal(t, "NoStreamError", ErrorKindNoStream.String())
}
