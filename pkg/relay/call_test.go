package relay

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/media"
	"voice-relay/pkg/messaging"
	"voice-relay/pkg/metrics"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/telephony"
	"voice-relay/pkg/tools"
)

const waitFor = 2 * time.Second

func payload(size int, fill byte) string {
	return media.Encode(bytes.Repeat([]byte{fill}, size))
}

type harness struct {
	t         *testing.T
	stream    *fakeStream
	session   *fakeSession
	opener    *staticOpener
	publisher *recordingPublisher
	relay     *Relay
	call      *Call
	done      chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := &harness{
		t:         t,
		stream:    newFakeStream(),
		session:   newFakeSession(),
		publisher: &recordingPublisher{},
		done:      make(chan error, 1),
	}
	h.opener = &staticOpener{session: h.session}
	opts = append([]Option{WithPublisher(h.publisher)}, opts...)
	h.relay = New(h.opener, logger, DefaultConfig(), opts...)
	h.call = h.relay.NewCall(h.stream)
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.done <- h.call.Run(ctx) }()
}

func (h *harness) startCall() {
	h.t.Helper()
	h.run(context.Background())
	h.stream.push(telephony.Start{StreamSID: "MZ1", CallSID: "CA1"})
	require.Eventually(h.t, func() bool { return h.call.State() == StateActive }, waitFor, time.Millisecond)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("call did not end")
		return nil
	}
}

func (h *harness) stop() error {
	h.t.Helper()
	h.stream.push(telephony.Stop{StreamSID: "MZ1"})
	return h.wait()
}

func (h *harness) waitFrames(event string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.stream.frames(event)) == n }, waitFor, time.Millisecond,
		"expected %d %s frames", n, event)
}

func (h *harness) waitSent(eventType string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.count(eventType) == n }, waitFor, time.Millisecond,
		"expected %d %s events", n, eventType)
}

func TestCallerAudioIsForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	var want []string
	for i := 0; i < 50; i++ {
		p := payload(media.FrameSize, byte(i))
		want = append(want, p)
		h.stream.push(telephony.Media{StreamSID: "MZ1", Chunk: int64(i + 1), Timestamp: int64(i * 20), Payload: p})
	}
	h.waitSent(realtime.EventTypeInputAudioBufferAppend, 50)
	require.NoError(t, h.stop())

	var got []string
	for _, ev := range h.session.outbound() {
		if a, ok := ev.(realtime.AudioAppend); ok {
			got = append(got, media.Encode(a.Audio))
		}
	}
	assert.Equal(t, want, got)
}

func TestMalformedCallerFrameIsDropped(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	h.stream.push(
		telephony.Media{Payload: payload(160, 1)},
		telephony.Media{Payload: "***"},
		telephony.Media{Payload: ""},
		telephony.Media{Payload: payload(160, 2)},
	)
	h.waitSent(realtime.EventTypeInputAudioBufferAppend, 2)
	require.NoError(t, h.stop())
	assert.Equal(t, StateClosed, h.call.State())
}

func TestOneMarkPerAssistantDelta(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	for i := 0; i < 5; i++ {
		h.session.push(realtime.AudioDelta{ItemID: "item_a", ResponseID: "resp_a", Delta: payload(media.FrameSize, byte(i))})
	}
	h.waitFrames("mark", 5)
	require.NoError(t, h.stop())

	sent := h.stream.frames("")
	require.Len(t, sent, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "media", sent[2*i].Event)
		assert.Equal(t, "MZ1", sent[2*i].StreamSID)
		assert.Equal(t, payload(media.FrameSize, byte(i)), sent[2*i].Payload)
		assert.Equal(t, "mark", sent[2*i+1].Event)
		assert.Equal(t, fmt.Sprintf("mark-%d", i+1), sent[2*i+1].Mark)
	}

	marks := h.call.marks.Marks()
	require.Len(t, marks, 5)
	for i, m := range marks {
		assert.Equal(t, fmt.Sprintf("mark-%d", i+1), m.Name)
		assert.Equal(t, "item_a", m.ItemID)
		assert.Equal(t, int64(20*(i+1)), m.ElapsedMs)
	}
}

func TestScenarioPartialAcknowledgement(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	for i := 0; i < 3; i++ {
		h.stream.push(telephony.Media{Payload: payload(media.FrameSize, 0x7f)})
	}
	h.waitSent(realtime.EventTypeInputAudioBufferAppend, 3)

	h.session.push(
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(media.FrameSize, 1)},
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(media.FrameSize, 2)},
	)
	h.waitFrames("mark", 2)

	h.stream.push(telephony.MarkAck{Name: "mark-1"})
	require.NoError(t, h.stop())

	assert.Len(t, h.stream.frames("media"), 2)
	assert.Len(t, h.stream.frames("mark"), 2)
	require.Equal(t, 1, h.call.marks.Len())
	head, _ := h.call.marks.Front()
	assert.Equal(t, "mark-2", head.Name)

	assert.Equal(t, StateClosed, h.call.State())
	assert.Equal(t, int32(1), h.session.closes.Load())
	assert.Equal(t, int32(1), h.opener.opened.Load())
}

func TestScenarioBargeIn(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	for i := 0; i < 5; i++ {
		h.session.push(realtime.AudioDelta{ItemID: "item_a", ResponseID: "resp_a", Delta: payload(media.FrameSize, 1)})
	}
	h.waitFrames("mark", 5)

	h.session.push(realtime.SpeechStarted{AudioStartMs: 900, ItemID: "item_user"})
	h.waitSent(realtime.EventTypeConversationItemTruncate, 1)
	h.waitFrames("clear", 1)

	// late audio for the interrupted item is not played
	h.session.push(realtime.AudioDelta{ItemID: "item_a", ResponseID: "resp_a", Delta: payload(media.FrameSize, 1)})
	h.session.push(realtime.AudioDelta{ItemID: "item_b", ResponseID: "resp_b", Delta: payload(media.FrameSize, 2)})
	h.waitFrames("mark", 6)

	// the platform acknowledges marks flushed by clear
	h.stream.push(telephony.MarkAck{Name: "mark-3"})
	require.NoError(t, h.stop())

	var truncates []realtime.Truncate
	for _, ev := range h.session.outbound() {
		if tr, ok := ev.(realtime.Truncate); ok {
			truncates = append(truncates, tr)
		}
	}
	require.Len(t, truncates, 1)
	assert.Equal(t, realtime.Truncate{ItemID: "item_a", ContentIndex: 0, AudioEndMs: 100}, truncates[0])

	assert.Len(t, h.stream.frames("media"), 6)

	marks := h.call.marks.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "item_b", marks[0].ItemID)
	assert.Equal(t, int64(20), marks[0].ElapsedMs)
	assert.Equal(t, "item_b", h.call.currentItem)

	assert.Equal(t, []string{
		messaging.EventCallStarted,
		messaging.EventCallInterrupted,
		messaging.EventCallEnded,
	}, h.publisher.types())
}

func TestTruncationOffsetTracksSentAudio(t *testing.T) {
	sizes := []int{160, 160, 80, 400, 160}

	h := newHarness(t)
	h.startCall()

	total := 0
	for _, n := range sizes {
		total += n
		h.session.push(realtime.AudioDelta{ItemID: "item_a", Delta: payload(n, 3)})
	}
	h.waitFrames("mark", len(sizes))
	h.session.push(realtime.SpeechStarted{})
	h.waitSent(realtime.EventTypeConversationItemTruncate, 1)
	require.NoError(t, h.stop())

	for _, ev := range h.session.outbound() {
		if tr, ok := ev.(realtime.Truncate); ok {
			assert.InDelta(t, total/media.BytesPerMillisecond, tr.AudioEndMs, 20)
		}
	}
	assert.Zero(t, h.call.marks.Len())
	assert.Empty(t, h.call.currentItem)
}

func TestSpeechStartedWithoutAssistantAudio(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	h.session.push(
		realtime.SpeechStarted{},
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)},
		realtime.ResponseDone{ResponseID: "resp_a", ItemIDs: []string{"item_a"}},
		realtime.SpeechStarted{},
	)
	h.waitFrames("mark", 1)
	require.NoError(t, h.stop())

	assert.Zero(t, h.session.count(realtime.EventTypeConversationItemTruncate))
	assert.Empty(t, h.stream.frames("clear"))
}

func TestMarkMismatchResynchronizes(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	for i := 0; i < 4; i++ {
		h.session.push(realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)})
	}
	h.waitFrames("mark", 4)

	h.stream.push(
		telephony.MarkAck{Name: "mark-2"},
		telephony.MarkAck{Name: "mark-1"},
	)
	require.NoError(t, h.stop())

	marks := h.call.marks.Marks()
	require.Len(t, marks, 2)
	assert.Equal(t, "mark-3", marks[0].Name)
	assert.Equal(t, "mark-4", marks[1].Name)
}

func TestUnknownMarkDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	h.session.push(
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)},
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)},
	)
	h.waitFrames("mark", 2)
	h.stream.push(telephony.MarkAck{Name: "someone-else"})
	require.NoError(t, h.stop())

	assert.Zero(t, h.call.marks.Len())
}

func TestEventsBeforeStartAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.run(context.Background())

	h.stream.push(
		telephony.Connected{Protocol: "Call"},
		telephony.Media{Payload: payload(160, 1)},
		telephony.MarkAck{Name: "mark-1"},
		telephony.Start{StreamSID: "MZ1", CallSID: "CA1"},
		telephony.Start{StreamSID: "MZ2", CallSID: "CA2"},
		telephony.Media{Payload: payload(160, 2)},
	)
	h.waitSent(realtime.EventTypeInputAudioBufferAppend, 1)
	require.NoError(t, h.stop())

	assert.Equal(t, int32(1), h.opener.opened.Load())
	assert.Equal(t, "MZ1", h.call.streamSID)
}

func TestSetupFailureNeverActivates(t *testing.T) {
	h := newHarness(t)
	h.opener.err = errors.NewConnectError(context.DeadlineExceeded)
	h.run(context.Background())
	h.stream.push(telephony.Start{StreamSID: "MZ1"})

	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionSetupFailed))
	assert.True(t, errors.IsErrorType(err, errors.ErrConnect))
	assert.Equal(t, StateClosed, h.call.State())
	assert.Equal(t, int32(1), h.stream.closes.Load())
	assert.Empty(t, h.publisher.types())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.run(context.Background())
	require.NoError(t, h.stop())
	assert.Zero(t, h.opener.opened.Load())
	assert.Equal(t, StateClosed, h.call.State())
}

func TestBackendCloseEndsCall(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	h.session.hangUp(context.Canceled)
	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionClosed))
	assert.Equal(t, int32(1), h.stream.closes.Load())
	assert.Equal(t, StateClosed, h.call.State())
}

func TestStreamDropEndsCall(t *testing.T) {
	h := newHarness(t)
	h.startCall()

	h.stream.drop(errors.Wrap(errors.ErrStreamClosed, "unexpected EOF"))
	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrStreamClosed))
	assert.Equal(t, int32(1), h.session.closes.Load())
}

func TestSendFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.stream.failSend = "mark"
	h.startCall()

	h.session.push(
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)},
		realtime.AudioDelta{ItemID: "item_a", Delta: payload(160, 1)},
	)
	err := h.wait()
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrSend))

	assert.Len(t, h.stream.frames("media"), 1, "nothing is sent after the failure")
	assert.Equal(t, []string{messaging.EventCallStarted, messaging.EventCallEnded}, h.publisher.types())
}

func TestContextCancellationClosesBothLegs(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)
	h.stream.push(telephony.Start{StreamSID: "MZ1"})
	require.Eventually(t, func() bool { return h.call.State() == StateActive }, waitFor, time.Millisecond)

	cancel()
	err := h.wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), h.session.closes.Load())
	assert.Equal(t, int32(1), h.stream.closes.Load())
}

func TestSessionReceivesConfiguredTools(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, []string{tools.EndCallName}, nil))

	h := newHarness(t)
	h.relay.config.Session.Tools = registry.Definitions()
	h.startCall()
	require.NoError(t, h.stop())

	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	require.Len(t, h.opener.cfg.Tools, 1)
	assert.Equal(t, tools.EndCallName, h.opener.cfg.Tools[0].Name)
	assert.Equal(t, realtime.AudioFormatG711ULaw, h.opener.cfg.InputAudioFormat)
}

func TestFunctionCallRoundTrip(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, []string{tools.CurrentTimeName}, func() time.Time {
		return time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	}))

	h := newHarness(t, WithTools(registry))
	h.startCall()

	h.session.push(realtime.FunctionCallArgumentsDone{CallID: "call_1", Name: tools.CurrentTimeName, Arguments: `{}`})
	h.waitSent(realtime.EventTypeResponseCreate, 1)

	h.session.push(realtime.FunctionCallArgumentsDone{CallID: "call_2", Name: "order_pizza", Arguments: `{}`})
	h.waitSent(realtime.EventTypeResponseCreate, 2)
	require.NoError(t, h.stop())

	events := h.session.outbound()
	require.Len(t, events, 4)

	first, ok := events[0].(realtime.ConversationItemCreate)
	require.True(t, ok)
	assert.Equal(t, "function_call_output", first.Item.Type)
	assert.Equal(t, "call_1", first.Item.CallID)
	assert.Contains(t, first.Item.Output, "2024-10-01T12:00:00Z")
	assert.IsType(t, realtime.ResponseCreate{}, events[1])

	second, ok := events[2].(realtime.ConversationItemCreate)
	require.True(t, ok)
	assert.Equal(t, "call_2", second.Item.CallID)
	assert.Contains(t, second.Item.Output, "unknown tool")
	assert.IsType(t, realtime.ResponseCreate{}, events[3])
}

func TestEndCallHangsUpAfterGoodbye(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, []string{tools.EndCallName}, nil))

	h := newHarness(t, WithTools(registry))
	h.startCall()

	h.session.push(realtime.FunctionCallArgumentsDone{ResponseID: "resp_1", CallID: "call_1", Name: tools.EndCallName, Arguments: `{"reason":"caller said bye"}`})
	h.waitSent(realtime.EventTypeResponseCreate, 1)

	// the response that carried the function call finishing does not hang up
	h.session.push(realtime.ResponseDone{ResponseID: "resp_1"})

	h.session.push(
		realtime.AudioDelta{ItemID: "item_bye", ResponseID: "resp_2", Delta: payload(160, 1)},
		realtime.ResponseDone{ResponseID: "resp_2", ItemIDs: []string{"item_bye"}},
	)
	h.waitFrames("mark", 1)

	select {
	case err := <-h.done:
		t.Fatalf("call ended before goodbye played: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	h.stream.push(telephony.MarkAck{Name: "mark-1"})
	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.call.State())
}

func TestEndCallWithoutResponseIDsWaitsForGoodbye(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, []string{tools.EndCallName}, nil))

	h := newHarness(t, WithTools(registry))
	h.startCall()

	h.session.push(realtime.FunctionCallArgumentsDone{CallID: "call_1", Name: tools.EndCallName, Arguments: `{}`})
	h.waitSent(realtime.EventTypeResponseCreate, 1)

	h.session.push(realtime.ResponseDone{ResponseID: "resp_1"})
	h.session.push(realtime.AudioDelta{ItemID: "item_bye", Delta: payload(160, 1)})
	h.waitFrames("mark", 1)

	select {
	case err := <-h.done:
		t.Fatalf("call ended before goodbye finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	h.session.push(realtime.ResponseDone{ItemIDs: []string{"item_bye"}})
	h.stream.push(telephony.MarkAck{Name: "mark-1"})
	require.NoError(t, h.wait())
	assert.Equal(t, StateClosed, h.call.State())
}

func TestToolMetricLabel(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, []string{tools.EndCallName}, nil))

	assert.Equal(t, tools.EndCallName, toolMetricLabel(registry, tools.EndCallName))
	assert.Equal(t, metrics.UnknownToolLabel, toolMetricLabel(registry, "order_pizza"))
	assert.Equal(t, metrics.UnknownToolLabel, toolMetricLabel(nil, tools.EndCallName))
}

func TestCloseIsIdempotentAcrossTeardown(t *testing.T) {
	h := newHarness(t)
	h.startCall()
	require.NoError(t, h.stop())

	assert.NoError(t, h.session.Close())
	assert.NoError(t, h.stream.Close())
	assert.Equal(t, int32(2), h.session.closes.Load())
	assert.Zero(t, h.relay.ActiveCalls())
}

func TestHandleTracksActiveCalls(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	session := newFakeSession()
	stream := newFakeStream()
	r := New(&staticOpener{session: session}, logger, DefaultConfig())

	done := make(chan error, 1)
	go func() { done <- r.Handle(context.Background(), stream) }()
	stream.push(telephony.Start{StreamSID: "MZ1"})
	require.Eventually(t, func() bool { return r.ActiveCalls() == 1 }, waitFor, time.Millisecond)

	stream.push(telephony.Stop{})
	require.NoError(t, <-done)
	assert.Zero(t, r.ActiveCalls())
}
