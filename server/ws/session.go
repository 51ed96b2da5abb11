// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/moar/dispatcher"
	"github.com/ice-blockchain/moar/model"
	"github.com/ice-blockchain/moar/store"
)

const (
	defaultMaxSubscriptions = 20
	defaultMaxFrameSize     = 128 * 1024
	idleTimeout             = 5 * time.Minute
	historicalScanBudget    = 10 * time.Second
	drainGrace              = 5 * time.Second
)

// Session is one accepted WebSocket's state machine: Opened -> (Authed?) ->
// Closing -> Closed.
type Session struct {
	id   string
	conn net.Conn
	inst *Instance
	ip   string

	writeMu sync.Mutex

	authMu    sync.RWMutex
	authed    bool
	principal string
	challenge string

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc

	closing atomic.Bool
}

// Serve runs one session to completion, blocking until the connection
// closes or ctx is cancelled (server shutdown).
func Serve(ctx context.Context, conn net.Conn, inst *Instance, remoteIP string) {
	if inst.MaxSubscriptions <= 0 {
		inst.MaxSubscriptions = defaultMaxSubscriptions
	}
	if inst.MaxFrameSize <= 0 {
		inst.MaxFrameSize = defaultMaxFrameSize
	}

	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		inst: inst,
		ip:   remoteIP,
		subs: make(map[string]context.CancelFunc),
	}
	defer s.teardown()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessCtx.Done()
		if ctx.Err() != nil {
			var result *multierror.Error
			result = multierror.Append(result, s.notice("shutdown"))
			time.Sleep(drainGrace)
			result = multierror.Append(result, conn.Close())
			_ = result.ErrorOrNil() // shutdown-path errors are expected once the peer is gone
		} else {
			_ = conn.Close()
		}
	}()

	if !inst.RateLimit.TryConnect(s.ip, inst.Limits) {
		s.closeWithReason(1008, "rate-limited: too many connections")

		return
	}
	defer inst.RateLimit.Disconnect(s.ip)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		data, opCode, err := wsutil.ReadClientData(conn)
		if err != nil {
			if isTimeout(err) {
				s.notice("idle timeout")
				s.closeWithReason(1000, "")
			}

			return
		}

		switch opCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(conn, ws.OpPong, data)

			continue
		case ws.OpPong:
			continue
		case ws.OpBinary:
			s.notice("binary frames are not supported")
			s.closeWithReason(1003, "")

			return
		case ws.OpText:
			// fallthrough to dispatch below
		default:
			continue
		}

		if len(data) > inst.MaxFrameSize {
			s.notice("frame too large")
			s.closeWithReason(1009, "")

			return
		}

		if err := s.dispatch(sessCtx, data); err != nil {
			s.notice(err.Error())
			s.closeWithReason(1000, "")

			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) teardown() {
	s.closing.Store(true)
	s.inst.Dispatcher.Unsubscribe(s.id, "")

	s.subsMu.Lock()
	for _, cancel := range s.subs {
		cancel()
	}
	s.subsMu.Unlock()
}

// dispatch parses and handles one client frame; a returned error is a
// protocol violation that ends the session.
func (s *Session) dispatch(ctx context.Context, data []byte) error {
	envelope, err := model.ParseMessage(data)
	if err != nil {
		// Per the protocol-violation rule, a parse failure still costs
		// write budget even though nothing was written.
		if !s.inst.RateLimit.CheckWrite(s.ip, s.inst.Limits) {
			return errors.New("rate-limited: write budget exceeded")
		}

		return errors.Wrap(err, "malformed frame")
	}

	switch v := envelope.(type) {
	case *model.EventEnvelope:
		return s.handleEvent(ctx, &v.Event.Event)
	case *model.ReqEnvelope:
		return s.handleReq(ctx, v.SubscriptionID, v.Filters)
	case *model.CountEnvelope:
		return s.handleCount(ctx, v.SubscriptionID, v.Filters)
	case *nostr.CloseEnvelope:
		s.handleClose(string(*v))

		return nil
	case *nostr.AuthEnvelope:
		return s.handleAuth(&v.Event)
	default:
		return errors.Newf("unsupported envelope %T", envelope)
	}
}

func (s *Session) handleEvent(ctx context.Context, ev *nostr.Event) error {
	if !s.inst.RateLimit.CheckWrite(s.ip, s.inst.Limits) {
		return s.sendOK(ev.ID, false, "rate-limited: write budget exceeded")
	}

	wrapped := &model.Event{Event: *ev}
	decision := s.inst.Policy.CanWrite(wrapped, s.Principal())
	if !decision.Allowed {
		if decision.Auth {
			s.sendAuthChallenge()
		}

		return s.sendOK(ev.ID, false, decision.Reason)
	}

	result, err := s.inst.Store.Store(ctx, wrapped)
	if err != nil {
		return s.sendOK(ev.ID, false, "error: "+err.Error())
	}

	switch result {
	case store.ResultDuplicate:
		return s.sendOK(ev.ID, true, "duplicate: already have this event")
	default:
		return s.sendOK(ev.ID, true, "")
	}
}

func (s *Session) handleReq(ctx context.Context, subID string, filters model.Filters) error {
	if subID == "" {
		return errors.New("REQ missing subscription id")
	}
	for i := range filters {
		if filters[i].Limit == 0 && filters[i].LimitZero {
			return errors.New("REQ filter with limit 0 is rejected")
		}
	}

	if !s.inst.RateLimit.CheckRead(s.ip, s.inst.Limits) {
		return s.sendClosed(subID, "rate-limited: read budget exceeded")
	}

	decision := s.inst.Policy.CanRead(s.Principal())
	if !decision.Allowed {
		if decision.Auth {
			s.sendAuthChallenge()
		}

		return s.sendClosed(subID, decision.Reason)
	}

	s.subsMu.Lock()
	if len(s.subs) >= s.inst.MaxSubscriptions {
		if _, exists := s.subs[subID]; !exists {
			s.subsMu.Unlock()

			return s.sendClosed(subID, "restricted: too many subscriptions")
		}
	}
	if cancel, exists := s.subs[subID]; exists {
		cancel()
	}
	scanCtx, cancel := context.WithCancel(ctx)
	s.subs[subID] = cancel
	s.subsMu.Unlock()

	sink := dispatcher.NewSink(subID, filters, func() {
		_ = s.sendClosed(subID, "error: overloaded")
	})
	s.inst.Dispatcher.Subscribe(s.id, sink)

	go s.runSubscription(scanCtx, subID, filters, sink)

	return nil
}

// runSubscription performs the historical scan (bounded by
// historicalScanBudget), splices in anything the live sink accumulated
// meanwhile, then keeps forwarding live events until the subscription is
// cancelled.
func (s *Session) runSubscription(ctx context.Context, subID string, filters model.Filters, sink *dispatcher.Sink) {
	deadline, cancel := context.WithTimeout(ctx, historicalScanBudget)
	defer cancel()

	seen := map[string]struct{}{}
	for ev, err := range s.inst.Store.Query(deadline, filters) {
		if err != nil {
			_ = s.sendClosed(subID, "error: "+err.Error())

			return
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		if err := s.sendEvent(subID, ev); err != nil {
			return
		}
	}

	// Splice in anything the live sink already queued while the historical
	// scan was running, so it lands before EOSE instead of after it.
drain:
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				break drain
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if err := s.sendEvent(subID, ev); err != nil {
				return
			}
		default:
			break drain
		}
	}

	if err := s.sendEOSE(subID); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sink.Events():
			if !ok {
				return
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if err := s.sendEvent(subID, ev); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleCount(ctx context.Context, subID string, filters model.Filters) error {
	decision := s.inst.Policy.CanRead(s.Principal())
	if !decision.Allowed {
		return s.sendClosed(subID, decision.Reason)
	}

	count, err := s.inst.Store.Count(ctx, filters)
	if err != nil {
		return s.sendClosed(subID, "error: "+err.Error())
	}

	return s.writeJSON([]any{"COUNT", subID, map[string]int64{"count": count}})
}

func (s *Session) handleClose(subID string) {
	s.subsMu.Lock()
	if cancel, ok := s.subs[subID]; ok {
		cancel()
		delete(s.subs, subID)
	}
	s.subsMu.Unlock()
	s.inst.Dispatcher.Unsubscribe(s.id, subID)
}

// handleAuth consumes a NIP-42 AUTH response: an ephemeral kind-22242
// event whose challenge/relay tags must match the one this session issued.
func (s *Session) handleAuth(ev *nostr.Event) error {
	s.authMu.RLock()
	challenge := s.challenge
	s.authMu.RUnlock()

	if challenge == "" {
		return nil
	}

	wrapped := &model.Event{Event: *ev}
	if ok, err := wrapped.CheckSignature(); err != nil || !ok {
		return s.sendOK(ev.ID, false, "invalid: bad signature")
	}
	if ev.Kind != 22242 {
		return s.sendOK(ev.ID, false, "invalid: wrong auth event kind")
	}
	if wrapped.GetTag("challenge").Value() != challenge {
		return s.sendOK(ev.ID, false, "invalid: challenge mismatch")
	}
	relayTag, relayErr := url.Parse(wrapped.GetTag("relay").Value())
	own, ownErr := url.Parse(s.inst.RelayURL)
	if relayErr != nil || ownErr != nil ||
		!strings.EqualFold(relayTag.Scheme, own.Scheme) || !strings.EqualFold(relayTag.Host, own.Host) {
		return s.sendOK(ev.ID, false, "invalid: relay mismatch")
	}
	if now := time.Now().Unix(); int64(ev.CreatedAt) < now-600 || int64(ev.CreatedAt) > now+600 {
		return s.sendOK(ev.ID, false, "invalid: auth event too old or too new")
	}

	s.authMu.Lock()
	s.authed = true
	s.principal = ev.PubKey
	s.authMu.Unlock()

	return s.sendOK(ev.ID, true, "")
}

func (s *Session) Principal() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	if !s.authed {
		return ""
	}

	return s.principal
}

func (s *Session) sendAuthChallenge() {
	s.authMu.Lock()
	if s.challenge == "" {
		s.challenge = randomHex(32)
	}
	challenge := s.challenge
	s.authMu.Unlock()

	_ = s.writeJSON([]any{"AUTH", challenge})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}

func (s *Session) sendEvent(subID string, ev *model.Event) error {
	return s.writeJSON([]any{"EVENT", subID, ev})
}

func (s *Session) sendEOSE(subID string) error {
	return s.writeJSON([]any{"EOSE", subID})
}

func (s *Session) sendClosed(subID, reason string) error {
	return s.writeJSON([]any{"CLOSED", subID, reason})
}

func (s *Session) sendOK(id string, accepted bool, reason string) error {
	return s.writeJSON([]any{"OK", id, accepted, reason})
}

func (s *Session) notice(msg string) error {
	return s.writeJSON([]any{"NOTICE", msg})
}

func (s *Session) writeJSON(payload []any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal server frame")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return errors.Wrap(wsutil.WriteServerMessage(s.conn, ws.OpText, data), "failed to write frame")
}

func (s *Session) closeWithReason(code ws.StatusCode, reason string) {
	if s.closing.Swap(true) {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = ws.WriteFrame(s.conn, frame)
}

