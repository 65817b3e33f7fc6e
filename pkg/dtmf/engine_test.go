package dtmf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/web_phone/pkg/media"
)

type recordedTone struct {
	pair    FrequencyPair
	stopped atomic.Int32
}

func (r *recordedTone) Stop() { r.stopped.Add(1) }

type recordingSink struct {
	mu    sync.Mutex
	tones []*recordedTone
}

func (s *recordingSink) StartTone(pair FrequencyPair) (Tone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &recordedTone{pair: pair}
	s.tones = append(s.tones, t)
	return t, nil
}

func (s *recordingSink) snapshot() []*recordedTone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*recordedTone(nil), s.tones...)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendDigit(ctx context.Context, digit string) error {
	args := m.Called(ctx, digit)
	return args.Error(0)
}

func TestFrequencyTable(t *testing.T) {
	pair, ok := Digit('5').Frequencies()
	require.True(t, ok)
	assert.Equal(t, FrequencyPair{Low: 770, High: 1336}, pair)

	pair, _ = Digit('#').Frequencies()
	assert.Equal(t, FrequencyPair{Low: 941, High: 1477}, pair)

	assert.Len(t, Digits, 12)
	for _, r := range Digits {
		assert.True(t, Digit(r).Valid(), "цифра %c", r)
	}
	assert.False(t, Digit('A').Valid())
}

func TestPlayAndSendEveryDigit(t *testing.T) {
	for _, r := range Digits {
		digit := Digit(r)
		t.Run(digit.String(), func(t *testing.T) {
			mc := clock.NewMock()
			sink := &recordingSink{}
			sender := &mockSender{}
			sender.On("SendDigit", mock.Anything, digit.String()).Return(nil).Once()

			e := NewEngine(Config{Sink: sink, Sender: sender, Clock: mc})

			require.True(t, e.PlayAndSend(context.Background(), digit))

			tones := sink.snapshot()
			require.Len(t, tones, 1, "тон запускается ровно один раз")
			want, _ := digit.Frequencies()
			assert.Equal(t, want, tones[0].pair)
			assert.Equal(t, int32(0), tones[0].stopped.Load(), "тон звучит до истечения длительности")

			mc.Add(DefaultToneDuration)
			require.Eventually(t, func() bool { return tones[0].stopped.Load() == 1 }, time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return e.ActiveTones() == 0 }, time.Second, time.Millisecond)

			e.Close()
			sender.AssertExpectations(t)
			assert.Len(t, sink.snapshot(), 1)
		})
	}
}

func TestForwardFailureDoesNotAffectTone(t *testing.T) {
	mc := clock.NewMock()
	sink := &recordingSink{}
	sender := &mockSender{}
	sender.On("SendDigit", mock.Anything, "7").Return(errors.New("gateway timeout"))

	failed := make(chan error, 1)
	e := NewEngine(Config{
		Sink:   sink,
		Sender: sender,
		Clock:  mc,
		OnForwardError: func(d Digit, err error) {
			failed <- err
		},
	})

	require.True(t, e.PlayAndSend(context.Background(), '7'))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, media.ErrSignaling)
	case <-time.After(time.Second):
		t.Fatal("ошибка доставки не сообщена")
	}

	tones := sink.snapshot()
	require.Len(t, tones, 1)
	assert.Equal(t, int32(0), tones[0].stopped.Load(), "ошибка шлюза не прерывает тон")

	mc.Add(DefaultToneDuration)
	require.Eventually(t, func() bool { return tones[0].stopped.Load() == 1 }, time.Second, time.Millisecond)
	e.Close()
}

func TestUnknownDigitIsNoop(t *testing.T) {
	sink := &recordingSink{}
	sender := &mockSender{}
	e := NewEngine(Config{Sink: sink, Sender: sender, Clock: clock.NewMock()})

	assert.False(t, e.PlayAndSend(context.Background(), 'A'))
	assert.False(t, e.PlayAndSend(context.Background(), 'x'))
	assert.Empty(t, sink.snapshot())
	sender.AssertNotCalled(t, "SendDigit", mock.Anything, mock.Anything)
	e.Close()
}

func TestPlayDoesNotForward(t *testing.T) {
	sink := &recordingSink{}
	sender := &mockSender{}
	e := NewEngine(Config{Sink: sink, Sender: sender, Clock: clock.NewMock()})

	assert.True(t, e.Play('1'))
	e.Close()

	assert.Len(t, sink.snapshot(), 1)
	sender.AssertNotCalled(t, "SendDigit", mock.Anything, mock.Anything)
}

func TestCloseStopsRingingTones(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(Config{Sink: sink, Clock: clock.NewMock()})

	e.Play('1')
	e.Play('2')
	assert.Equal(t, 2, e.ActiveTones())

	e.Close()
	assert.Equal(t, 0, e.ActiveTones())
	for _, tone := range sink.snapshot() {
		assert.Equal(t, int32(1), tone.stopped.Load())
	}
	assert.False(t, e.Play('3'), "после Close движок не играет")
}

func TestParseSequence(t *testing.T) {
	digits, err := ParseSequence("555-1234 #")
	require.NoError(t, err)
	assert.Equal(t, []Digit{'5', '5', '5', '1', '2', '3', '4', '#'}, digits)

	_, err = ParseSequence("12B")
	assert.Error(t, err)
}

func TestSynthesizeDuration(t *testing.T) {
	pcm := Synthesize(FrequencyPair{770, 1336}, DefaultToneDuration, 8000, 0.4)
	assert.Len(t, pcm, 800)
	assert.Equal(t, int16(0), pcm[0], "огибающая начинается с тишины")
	assert.Greater(t, media.RMSLevel(pcm), 0.2)
}
