package relay

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/media"
	"voice-relay/pkg/messaging"
	"voice-relay/pkg/metrics"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/telephony"
	"voice-relay/pkg/tools"
)

// State is the lifecycle state of a call.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// End reasons reported in logs, metrics and call.ended events.
const (
	ReasonStreamStopped = "stream_stopped"
	ReasonStreamClosed  = "stream_closed"
	ReasonSessionClosed = "session_closed"
	ReasonSetupFailed   = "setup_failed"
	ReasonSendFailed    = "send_failed"
	ReasonEndCall       = "end_call"
	ReasonCanceled      = "canceled"
)

const inboxSize = 64

// Messages posted to the call actor.
type (
	telephonyMsg struct{ ev telephony.Event }
	telephonyEnd struct{ err error }
	aiMsg        struct{ ev realtime.InboundEvent }
	toolMsg      struct {
		call   realtime.FunctionCallArgumentsDone
		result tools.Result
		err    error
		// responses completed before the call arrived
		doneBefore int
	}
)

// ending is returned by handlers to stop the actor.
type ending struct {
	reason string
	err    error
}

// Call is one telephony stream paired with one AI session. All fields below
// the inbox are owned by the goroutine running Run.
type Call struct {
	relay  *Relay
	stream TelephonyStream
	logger *logrus.Entry
	state  atomic.Int32

	inbox  chan interface{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session   AISession
	streamSID string
	callSID   string
	sessionID string

	elapsed       time.Duration
	currentItem   string
	truncatedItem string
	marks         MarkQueue

	toolsInFlight    int
	hangupPending    bool
	hangupResponseID string
	hangupAfter      int
	hangupReady      bool
	responsesDone    int

	startedAt   time.Time
	finishTimer func(reason string)
	framesIn    int64
	framesOut   int64
	truncations int
}

// NewCall prepares a call on stream. Nothing happens until Run.
func (r *Relay) NewCall(stream TelephonyStream) *Call {
	return &Call{
		relay:  r,
		stream: stream,
		logger: r.logger.WithField("component", "relay"),
		inbox:  make(chan interface{}, inboxSize),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	return State(c.state.Load())
}

// Run drives the call until the stream stops, either leg fails or ctx is
// done. It returns nil for a normal end and the terminal error otherwise.
func (c *Call) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.pumpTelephony()

	end := c.loop(ctx)
	c.shutdown(end)
	return end.err
}

func (c *Call) loop(ctx context.Context) ending {
	for {
		select {
		case <-ctx.Done():
			return ending{reason: ReasonCanceled, err: errors.Wrap(ctx.Err(), "call canceled")}

		case msg := <-c.inbox:
			var end *ending
			switch m := msg.(type) {
			case telephonyMsg:
				end = c.onTelephony(ctx, m.ev)
			case telephonyEnd:
				end = c.onTelephonyEnd(m.err)
			case aiMsg:
				end = c.onAI(ctx, m.ev)
			case toolMsg:
				end = c.onToolResult(m)
			}
			if end != nil {
				return *end
			}
		}
	}
}

func (c *Call) post(msg interface{}) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Call) pumpTelephony() {
	defer c.wg.Done()
	for ev := range c.stream.Events() {
		if !c.post(telephonyMsg{ev: ev}) {
			return
		}
	}
	c.post(telephonyEnd{err: c.stream.Err()})
}

func (c *Call) pumpAI(session AISession) {
	defer c.wg.Done()
	for ev := range session.Events() {
		if !c.post(aiMsg{ev: ev}) {
			return
		}
	}
}

// shutdown moves the call to Closed. No handler runs after loop returns, so
// nothing is sent once Closing is entered.
func (c *Call) shutdown(end ending) {
	wasActive := c.State() == StateActive
	if wasActive {
		c.state.Store(int32(StateClosing))
	}

	close(c.done)
	c.cancel()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing realtime session")
		}
	}
	if err := c.stream.Close(); err != nil {
		c.logger.WithError(err).Debug("Error closing media stream")
	}

	c.wg.Wait()
	c.state.Store(int32(StateClosed))

	entry := c.logger.WithFields(logrus.Fields{
		"reason":      end.reason,
		"frames_in":   c.framesIn,
		"frames_out":  c.framesOut,
		"truncations": c.truncations,
	})
	if end.err != nil {
		entry = entry.WithError(end.err)
	}

	if !wasActive {
		entry.Info("Call closed before becoming active")
		return
	}

	c.finishTimer(end.reason)
	duration := time.Since(c.startedAt)
	entry.WithField("duration", duration.String()).Info("Call ended")
	c.publish(messaging.EventCallEnded, map[string]interface{}{
		"reason":      end.reason,
		"duration_ms": duration.Milliseconds(),
		"frames_in":   c.framesIn,
		"frames_out":  c.framesOut,
		"truncations": c.truncations,
	})
}

func (c *Call) onTelephony(ctx context.Context, ev telephony.Event) *ending {
	switch ev := ev.(type) {
	case telephony.Start:
		if c.State() != StateIdle {
			c.logger.WithField("stream_sid", ev.StreamSID).Warn("Ignoring repeated start event")
			return nil
		}
		return c.activate(ctx, ev)

	case telephony.Stop:
		c.logger.Info("Media stream stopped")
		return &ending{reason: ReasonStreamStopped}

	case telephony.Connected:
		c.logger.WithField("protocol", ev.Protocol).Debug("Media stream connected")
		return nil
	}

	if c.State() != StateActive {
		c.logger.WithField("event", ev.EventName()).Debug("Ignoring media stream event before start")
		return nil
	}

	switch ev := ev.(type) {
	case telephony.Media:
		return c.forwardCallerAudio(ev)
	case telephony.MarkAck:
		return c.ackMark(ev.Name)
	case telephony.DTMF:
		c.logger.WithField("digit", ev.Digit).Info("Caller pressed a key")
	default:
		c.logger.WithField("event", ev.EventName()).Debug("Ignoring media stream event")
	}
	return nil
}

func (c *Call) onTelephonyEnd(err error) *ending {
	if err != nil {
		return &ending{reason: ReasonStreamClosed, err: err}
	}
	return &ending{reason: ReasonStreamClosed}
}

// activate opens the AI session. The call becomes active only once the
// session has acknowledged its configuration.
func (c *Call) activate(ctx context.Context, start telephony.Start) *ending {
	c.streamSID = start.StreamSID
	c.callSID = start.CallSID
	c.logger = c.logger.WithFields(logrus.Fields{
		"stream_sid": start.StreamSID,
		"call_sid":   start.CallSID,
	})
	c.logger.WithField("media_format", start.MediaFormat.Encoding).Info("Media stream started")

	begin := time.Now()
	session, err := c.relay.opener.Open(ctx, c.relay.config.Session)
	if err != nil {
		metrics.ObserveSessionSetup(time.Since(begin), "error")
		return &ending{
			reason: ReasonSetupFailed,
			err:    errors.NewSessionSetupFailed(err, map[string]interface{}{"call_sid": c.callSID}),
		}
	}
	metrics.ObserveSessionSetup(time.Since(begin), "ok")

	c.session = session
	if s, ok := session.(interface{ SessionID() string }); ok {
		c.sessionID = s.SessionID()
		c.logger = c.logger.WithField("session_id", c.sessionID)
	}

	c.startedAt = time.Now()
	c.state.Store(int32(StateActive))
	c.finishTimer = metrics.StartCallTimer()

	c.wg.Add(1)
	go c.pumpAI(session)

	c.logger.WithField("setup", time.Since(begin).String()).Info("Call active")
	c.publish(messaging.EventCallStarted, map[string]interface{}{
		"custom_parameters": start.CustomParameters,
	})
	return nil
}

func (c *Call) forwardCallerAudio(ev telephony.Media) *ending {
	frame, err := media.Decode(ev.Payload)
	if err != nil {
		metrics.RecordFrameDropped("inbound", "malformed")
		c.logger.WithError(err).WithField("chunk", ev.Chunk).Warn("Dropping caller frame")
		return nil
	}

	if err := c.session.Send(realtime.AudioAppend{Audio: frame}); err != nil {
		return c.sendFailed(err)
	}
	c.framesIn++
	metrics.RecordFrameRelayed("inbound")
	c.logger.WithFields(logrus.Fields{
		"chunk":     ev.Chunk,
		"timestamp": ev.Timestamp,
	}).Trace("Relayed caller frame")
	return nil
}

func (c *Call) onAI(ctx context.Context, ev realtime.InboundEvent) *ending {
	switch ev := ev.(type) {
	case realtime.AudioDelta:
		return c.playAssistantAudio(ev)
	case realtime.SpeechStarted:
		return c.bargeIn(ev)
	case realtime.ResponseDone:
		return c.responseDone(ev)
	case realtime.FunctionCallArgumentsDone:
		c.startTool(ctx, ev)
	case realtime.ErrorEvent:
		c.logger.WithFields(logrus.Fields{
			"code":    ev.Code,
			"message": ev.Message,
		}).Warn("Realtime backend error")
	case realtime.SessionClosed:
		err := ev.Err
		if err == nil {
			err = errors.NewSessionClosed(nil)
		}
		return &ending{reason: ReasonSessionClosed, err: err}
	}
	return nil
}

// elapsedMs is the amount of assistant audio relayed for the current item.
func (c *Call) elapsedMs() int64 {
	return c.elapsed.Milliseconds()
}

func (c *Call) playAssistantAudio(ev realtime.AudioDelta) *ending {
	if ev.ItemID != "" && ev.ItemID == c.truncatedItem {
		metrics.RecordFrameDropped("outbound", "truncated")
		return nil
	}

	frame, err := media.Decode(ev.Delta)
	if err != nil {
		metrics.RecordFrameDropped("outbound", "malformed")
		c.logger.WithError(err).WithField("item_id", ev.ItemID).Warn("Dropping assistant frame")
		return nil
	}

	if ev.ItemID != c.currentItem {
		c.currentItem = ev.ItemID
		c.elapsed = 0
		c.logger.WithField("item_id", ev.ItemID).Debug("Assistant item started")
	}

	if err := c.stream.SendMedia(c.streamSID, frame); err != nil {
		return c.sendFailed(err)
	}
	c.elapsed += frame.Duration()
	c.framesOut++
	metrics.RecordFrameRelayed("outbound")

	mark := c.marks.Push(c.currentItem, c.elapsedMs())
	if err := c.stream.SendMark(c.streamSID, mark.Name); err != nil {
		return c.sendFailed(err)
	}
	metrics.RecordMarkSent()
	return nil
}

func (c *Call) bargeIn(ev realtime.SpeechStarted) *ending {
	if c.currentItem == "" {
		c.logger.Debug("Caller speech started with no assistant audio playing")
		return nil
	}

	item, audioEnd := c.currentItem, c.elapsedMs()
	if err := c.session.Send(realtime.Truncate{ItemID: item, ContentIndex: 0, AudioEndMs: audioEnd}); err != nil {
		return c.sendFailed(err)
	}
	if c.relay.config.ClearOnBargeIn {
		if err := c.stream.SendClear(c.streamSID); err != nil {
			return c.sendFailed(err)
		}
	}

	dropped := c.marks.Clear()
	c.truncatedItem = item
	c.currentItem = ""
	c.truncations++
	metrics.RecordTruncation(time.Duration(audioEnd) * time.Millisecond)

	c.logger.WithFields(logrus.Fields{
		"item_id":       item,
		"audio_end_ms":  audioEnd,
		"marks_dropped": dropped,
	}).Info("Caller interrupted assistant")
	c.publish(messaging.EventCallInterrupted, map[string]interface{}{
		"item_id":      item,
		"audio_end_ms": audioEnd,
	})
	return nil
}

func (c *Call) responseDone(ev realtime.ResponseDone) *ending {
	if len(ev.ItemIDs) == 0 || slices.Contains(ev.ItemIDs, c.currentItem) {
		c.currentItem = ""
	}

	c.responsesDone++

	if c.hangupPending && c.isGoodbyeDone(ev) {
		c.hangupReady = true
		return c.maybeHangUp()
	}
	return nil
}

// isGoodbyeDone reports whether ev finishes a response later than the one
// that carried the end_call request. Without response ids it counts: the
// carrying response completes first, the goodbye second.
func (c *Call) isGoodbyeDone(ev realtime.ResponseDone) bool {
	if c.hangupResponseID != "" && ev.ResponseID != "" {
		return ev.ResponseID != c.hangupResponseID
	}
	return c.responsesDone >= c.hangupAfter
}

func (c *Call) ackMark(name string) *ending {
	head, _ := c.marks.Front()
	res := c.marks.Ack(name)

	switch res.Outcome {
	case AckMatched:
		metrics.RecordMarkAck(true)
	case AckStale:
		c.logger.WithField("mark", name).Debug("Ignoring ack for discarded mark")
	default:
		metrics.RecordMarkAck(false)
		err := errors.NewMarkMismatch(head.Name, name)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"outcome": res.Outcome.String(),
			"dropped": res.Dropped,
		}).Warn("Mark acknowledgement out of order")
	}

	return c.maybeHangUp()
}

// maybeHangUp ends the call once a requested hang-up has no audio left to play.
func (c *Call) maybeHangUp() *ending {
	if c.hangupReady && c.toolsInFlight == 0 && c.marks.Len() == 0 {
		c.logger.Info("Ending call at assistant request")
		return &ending{reason: ReasonEndCall}
	}
	return nil
}

func (c *Call) startTool(ctx context.Context, call realtime.FunctionCallArgumentsDone) {
	c.toolsInFlight++
	c.logger.WithFields(logrus.Fields{
		"tool":    call.Name,
		"call_id": call.CallID,
	}).Info("Assistant called a tool")

	invoker := c.relay.tools
	timeout := c.relay.config.ToolTimeout
	doneBefore := c.responsesDone

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		finish := metrics.ObserveFunctionCall(toolMetricLabel(invoker, call.Name))
		var result tools.Result
		err := c.relay.panics.Guard("tool:"+call.Name, func() error {
			if invoker == nil {
				return errors.Wrap(errors.ErrUnknownTool, call.Name)
			}
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var err error
			result, err = invoker.Invoke(tctx, call.Name, call.Arguments)
			return err
		})
		if err != nil {
			finish("error")
		} else {
			finish("ok")
		}

		c.post(toolMsg{call: call, result: result, err: err, doneBefore: doneBefore})
	}()
}

// toolMetricLabel keeps model-chosen names out of metric labels unless registered.
func toolMetricLabel(invoker ToolInvoker, name string) string {
	if invoker != nil {
		if _, ok := invoker.Lookup(name); ok {
			return name
		}
	}
	return metrics.UnknownToolLabel
}

func (c *Call) onToolResult(m toolMsg) *ending {
	c.toolsInFlight--

	output := m.result.Output
	status := "ok"
	if m.err != nil {
		status = "error"
		output = tools.ErrorOutput(m.err)
		c.logger.WithError(m.err).WithField("tool", m.call.Name).Warn("Tool call failed")
	}

	if err := c.session.Send(realtime.FunctionCallOutput(m.call.CallID, output)); err != nil {
		return c.sendFailed(err)
	}
	if err := c.session.Send(realtime.ResponseCreate{}); err != nil {
		return c.sendFailed(err)
	}

	if m.err == nil && m.result.EndCall {
		c.hangupPending = true
		c.hangupResponseID = m.call.ResponseID
		c.hangupAfter = m.doneBefore + 2
	}

	c.publish(messaging.EventCallFunctionCall, map[string]interface{}{
		"name":    m.call.Name,
		"call_id": m.call.CallID,
		"status":  status,
	})
	return nil
}

func (c *Call) sendFailed(err error) *ending {
	if !errors.IsErrorType(err, errors.ErrSend) {
		err = errors.NewSendError("unknown", err)
	}
	return &ending{reason: ReasonSendFailed, err: err}
}

func (c *Call) publish(eventType string, data map[string]interface{}) {
	c.relay.publisher.Publish(messaging.CallEvent{
		Type:      eventType,
		CallSID:   c.callSID,
		StreamSID: c.streamSID,
		SessionID: c.sessionID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
