package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/enginetest"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFull = errors.New("send buffer full")

type recorder struct {
	mu       sync.Mutex
	frames   []core.Frame
	full     bool
	closed   bool
	canceled bool
}

func (r *recorder) TrySend(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return errFull
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// events returns the data payloads of every received event of type typ.
func (r *recorder) events(t *testing.T, typ string) []json.RawMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, f := range r.frames {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(f, &ev))
		if ev.Type == typ {
			out = append(out, ev.Data)
		}
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

var testObserver = core.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -60, Interval: 800 * time.Millisecond}

func newTestOrchestrator() (*Orchestrator, *enginetest.Worker) {
	w := enginetest.NewWorker()
	return New(w, domain.DefaultMediaCodecs(), testObserver, app.SimplePolicy{}), w
}

type peer struct {
	id  domain.ConnectionID
	rec *recorder
}

func connect(o *Orchestrator, ns domain.RoomName) peer {
	rec := &recorder{}
	conn := o.Connect(ns, "client", rec, rec.cancel)
	return peer{id: conn.ID, rec: rec}
}

// enter joins, creates the room and, for non-admins, gets approved by admin.
func enter(t *testing.T, o *Orchestrator, ns domain.RoomName, name string, admin *peer) peer {
	t.Helper()
	p := connect(o, ns)
	st, err := o.JoinRequest(p.id, name)
	require.NoError(t, err)
	if admin != nil && st.State == app.PendingApproval.String() {
		require.NoError(t, o.DecideJoin(admin.id, p.id, true))
	}
	_, err = o.CreateRoom(context.Background(), p.id)
	require.NoError(t, err)
	return p
}

func publish(t *testing.T, o *Orchestrator, p peer, kind domain.MediaKind, tag domain.AppTag) domain.ProducerID {
	t.Helper()
	_, err := o.CreateTransport(context.Background(), p.id, true)
	require.NoError(t, err)
	require.NoError(t, o.ConnectTransport(context.Background(), p.id, domain.DirectionSend, core.ConnectParams{}))
	res, err := o.Produce(context.Background(), p.id, kind, domain.RTPParameters{}, tag)
	require.NoError(t, err)
	return res.ID
}

func opusCaps() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: domain.DefaultMediaCodecs()}
}

func TestConnectGreets(t *testing.T) {
	o, _ := newTestOrchestrator()
	p := connect(o, "alpha")

	got := p.rec.events(t, core.EventConnectionSuccess)
	require.Len(t, got, 1)
	msg := decode[core.ConnectionSuccess](t, got[0])
	assert.Equal(t, p.id, msg.ConnectionID)
	assert.Equal(t, domain.RoomName("alpha"), msg.Namespace)
}

func TestListRoomsAndJoinNamespace(t *testing.T) {
	o, _ := newTestOrchestrator()
	connect(o, DefaultNamespace)
	enter(t, o, "alpha", "Ann", nil)
	connect(o, "beta")

	assert.Equal(t, []core.RoomInfo{
		{Name: "alpha", MemberCount: 1, HasRouter: true},
		{Name: "beta", MemberCount: 1},
	}, o.ListRooms())

	res, err := o.JoinNamespace("gamma")
	require.NoError(t, err)
	assert.Equal(t, "/api/ws/rooms/gamma", res.Path)

	_, err = o.JoinNamespace("bad name!")
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestCreateRoomAdmin(t *testing.T) {
	o, w := newTestOrchestrator()
	a := connect(o, "alpha")
	b := connect(o, "alpha")

	ra, err := o.CreateRoom(context.Background(), a.id)
	require.NoError(t, err)
	assert.True(t, ra.IsAdmin)
	_, ok := ra.RTPCapabilities.Codec("video/VP8")
	assert.True(t, ok)

	rb, err := o.CreateRoom(context.Background(), b.id)
	require.NoError(t, err)
	assert.False(t, rb.IsAdmin)
	assert.Equal(t, 1, w.RoutersCreated())
	assert.True(t, o.Admission.IsApproved(a.id), "creator is implicitly approved")
	assert.False(t, o.Admission.IsApproved(b.id))
}

func TestCreateRoomConcurrentCreatesOneRouter(t *testing.T) {
	o, w := newTestOrchestrator()
	w.RouterGate = make(chan struct{})
	peers := make([]peer, 5)
	for i := range peers {
		peers[i] = connect(o, "alpha")
	}

	var wg sync.WaitGroup
	admins := make([]bool, len(peers))
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.CreateRoom(context.Background(), p.id)
			assert.NoError(t, err)
			admins[i] = res.IsAdmin
		}()
	}
	<-w.Entered
	close(w.RouterGate)
	wg.Wait()

	assert.Equal(t, 1, w.RoutersCreated())
	n := 0
	for _, a := range admins {
		if a {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one admin")
}

func TestCreateRoomForEmptiedNamespace(t *testing.T) {
	o, w := newTestOrchestrator()
	w.RouterGate = make(chan struct{})
	a := connect(o, "alpha")

	done := make(chan error, 1)
	go func() {
		_, err := o.CreateRoom(context.Background(), a.id)
		done <- err
	}()
	<-w.Entered
	o.Disconnect(a.id)
	close(w.RouterGate)

	assert.ErrorIs(t, <-done, core.ErrNotFound)
	_, ok := o.Rooms.Get("alpha")
	assert.False(t, ok)
}

func TestAdmissionModeration(t *testing.T) {
	o, _ := newTestOrchestrator()
	admin := enter(t, o, "alpha", "Admin", nil)
	b := connect(o, "alpha")
	c := connect(o, "alpha")
	_, err := o.CreateRoom(context.Background(), b.id)
	require.NoError(t, err)

	st, err := o.JoinRequest(b.id, "Bob")
	require.NoError(t, err)
	assert.Equal(t, "pending", st.State)

	notices := admin.rec.events(t, core.EventJoinRequest)
	require.Len(t, notices, 1)
	assert.Equal(t, core.JoinRequestNotice{Name: "Bob", ConnectionID: b.id}, decode[core.JoinRequestNotice](t, notices[0]))

	_, err = o.CreateTransport(context.Background(), b.id, true)
	assert.ErrorIs(t, err, core.ErrAdmissionDenied)
	_, err = o.Produce(context.Background(), b.id, domain.KindAudio, domain.RTPParameters{}, "mic")
	assert.ErrorIs(t, err, core.ErrAdmissionDenied)

	// Receiving needs no approval.
	_, err = o.CreateTransport(context.Background(), b.id, false)
	assert.NoError(t, err)

	assert.ErrorIs(t, o.DecideJoin(c.id, b.id, true), core.ErrUnauthorized)
	assert.Equal(t, app.PendingApproval, o.Admission.State(b.id))

	require.NoError(t, o.DecideJoin(admin.id, b.id, false))
	assert.Len(t, b.rec.events(t, core.EventJoinRejected), 1)

	st, err = o.JoinRequest(b.id, "Bob")
	require.NoError(t, err)
	assert.Equal(t, "pending", st.State, "rejected connections may retry")

	require.NoError(t, o.DecideJoin(admin.id, b.id, true))
	assert.Len(t, b.rec.events(t, core.EventJoinApproved), 1)
	_, err = o.CreateTransport(context.Background(), b.id, true)
	assert.NoError(t, err)
}

func TestJoinRequestAutoApproves(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := connect(o, "alpha")

	st, err := o.JoinRequest(a.id, "Ann")
	require.NoError(t, err)
	assert.Equal(t, "approved", st.State, "no room yet")

	_, err = o.JoinRequest(a.id, "")
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestJoinRequestWithAdminGoneStaysPending(t *testing.T) {
	o, _ := newTestOrchestrator()
	admin := enter(t, o, "alpha", "Admin", nil)
	keep := connect(o, "alpha")
	o.Disconnect(admin.id)

	st, err := o.JoinRequest(keep.id, "Kim")
	require.NoError(t, err)
	assert.Equal(t, "pending", st.State)
	assert.Equal(t, app.PendingApproval, o.Admission.State(keep.id))
}

func TestProduceAnnouncesToOthers(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	other := enter(t, o, "beta", "Eve", nil)

	pid := publish(t, o, a, domain.KindAudio, "mic")

	added := b.rec.events(t, core.EventProducerAdded)
	require.Len(t, added, 1)
	info := decode[core.ProducerInfo](t, added[0])
	assert.Equal(t, core.ProducerInfo{ID: pid, Kind: domain.KindAudio, ConnectionID: a.id, AppData: core.AppData{MediaTag: "mic"}}, info)
	assert.Empty(t, a.rec.events(t, core.EventProducerAdded), "producer is not announced to its owner")
	assert.Empty(t, other.rec.events(t, core.EventProducerAdded))

	room, _ := o.Rooms.Get("alpha")
	assert.True(t, room.Observer.(*enginetest.Observer).Has(pid), "audio producers feed the level observer")

	own, err := o.Producers(a.id)
	require.NoError(t, err)
	assert.Empty(t, own)
	theirs, err := o.Producers(b.id)
	require.NoError(t, err)
	assert.Equal(t, []core.ProducerInfo{info}, theirs)
}

func TestProduceRejectsUnknownKind(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	_, err := o.Produce(context.Background(), a.id, "screen", domain.RTPParameters{}, "x")
	assert.ErrorIs(t, err, core.ErrBadRequest)

	_, err = o.Produce(context.Background(), a.id, domain.KindAudio, domain.RTPParameters{}, "x")
	assert.ErrorIs(t, err, core.ErrNotFound, "no send transport yet")
}

func TestConsumeIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	pid := publish(t, o, a, domain.KindVideo, "cam")

	_, err := o.Consume(context.Background(), b.id, pid, opusCaps())
	assert.ErrorIs(t, err, core.ErrNotFound, "receive transport required")

	_, err = o.CreateTransport(context.Background(), b.id, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Consumed, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Consume(context.Background(), b.id, pid, opusCaps())
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, results[0].ID, r.ID)
	}
	assert.Equal(t, a.id, results[0].ConnectionID)
	assert.Equal(t, domain.AppTag("cam"), results[0].AppData.MediaTag)
	assert.Equal(t, domain.KindVideo, results[0].Kind)
	assert.Len(t, o.Ledger.ConsumersOf(b.id), 1)

	rec, _ := o.Ledger.Consumer(b.id, pid)
	assert.True(t, rec.Handle.(*enginetest.Consumer).Paused())
	require.NoError(t, o.ResumeConsumer(b.id, pid))
	assert.False(t, rec.Handle.(*enginetest.Consumer).Paused())

	assert.ErrorIs(t, o.ResumeConsumer(b.id, "missing"), core.ErrNotFound)
}

func TestConsumeWithIncompatibleCapabilities(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	pid := publish(t, o, a, domain.KindAudio, "mic")
	_, err := o.CreateTransport(context.Background(), b.id, false)
	require.NoError(t, err)

	_, err = o.Consume(context.Background(), b.id, pid, domain.RTPCapabilities{})
	assert.ErrorIs(t, err, core.ErrBadRequest)
	assert.Empty(t, o.Ledger.ConsumersOf(b.id))
}

func TestTransportConnectOnce(t *testing.T) {
	o, w := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	_, err := o.CreateTransport(context.Background(), a.id, false)
	require.NoError(t, err)

	require.NoError(t, o.ConnectTransport(context.Background(), a.id, domain.DirectionRecv, core.ConnectParams{}))
	require.NoError(t, o.ConnectTransport(context.Background(), a.id, domain.DirectionRecv, core.ConnectParams{}))
	rec, _ := o.Ledger.Transport(a.id, domain.DirectionRecv)
	assert.Equal(t, 1, rec.Handle.(*enginetest.Transport).Connects())

	assert.ErrorIs(t, o.ConnectTransport(context.Background(), a.id, domain.DirectionSend, core.ConnectParams{}), core.ErrNotFound)

	_, err = o.CreateTransport(context.Background(), a.id, true)
	require.NoError(t, err)
	w.FailConnect = errors.New("dtls failed")
	err = o.ConnectTransport(context.Background(), a.id, domain.DirectionSend, core.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrEngine)
	w.FailConnect = nil
	assert.NoError(t, o.ConnectTransport(context.Background(), a.id, domain.DirectionSend, core.ConnectParams{}), "failed connect may be retried")
}

func TestCreateTransportEngineFailureCommitsNothing(t *testing.T) {
	o, w := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	w.FailTransport = errors.New("no ports")

	_, err := o.CreateTransport(context.Background(), a.id, true)
	assert.ErrorIs(t, err, core.ErrEngine)
	assert.Zero(t, o.Ledger.Owned(a.id))
}

func TestDisconnectDuringTransportCreation(t *testing.T) {
	o, w := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	keep := connect(o, "alpha")
	w.TransportGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := o.CreateTransport(context.Background(), a.id, true)
		done <- err
	}()
	<-w.Entered
	o.Disconnect(a.id)
	close(w.TransportGate)

	assert.ErrorIs(t, <-done, core.ErrNotFound)
	assert.Zero(t, o.Ledger.Owned(a.id))
	assert.Len(t, keep.rec.events(t, core.EventProducerRemoved), 1)
}

func TestDisconnectCleansUp(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	audio := publish(t, o, a, domain.KindAudio, "mic")
	video := publish(t, o, a, domain.KindVideo, "cam")
	_, err := o.CreateTransport(context.Background(), b.id, false)
	require.NoError(t, err)
	_, err = o.Consume(context.Background(), b.id, audio, opusCaps())
	require.NoError(t, err)
	consumer, _ := o.Ledger.Consumer(b.id, audio)
	room, _ := o.Rooms.Get("alpha")

	o.Disconnect(a.id)

	removed := b.rec.events(t, core.EventProducerRemoved)
	require.Len(t, removed, 1)
	msg := decode[core.ProducerRemoved](t, removed[0])
	assert.Equal(t, a.id, msg.ConnectionID)
	assert.ElementsMatch(t, []domain.ProducerID{audio, video}, msg.ProducerIDs)

	assert.True(t, consumer.Handle.(*enginetest.Consumer).Closed())
	assert.Empty(t, o.Ledger.ConsumersOf(b.id))
	assert.Empty(t, o.Ledger.ProducersIn("alpha"))
	assert.False(t, room.Observer.(*enginetest.Observer).Has(audio))
	_, ok := o.Rooms.Get("alpha")
	assert.True(t, ok, "room lives while someone is connected")

	o.Disconnect(b.id)
	_, ok = o.Rooms.Get("alpha")
	assert.False(t, ok)
	assert.True(t, room.Router.(*enginetest.Router).Closed())
	assert.Empty(t, o.ListRooms())

	o.Disconnect(b.id)
}

func TestBoot(t *testing.T) {
	o, _ := newTestOrchestrator()
	admin := enter(t, o, "alpha", "Admin", nil)
	b := enter(t, o, "alpha", "Bob", &admin)
	c := enter(t, o, "alpha", "Cid", &admin)
	pid := publish(t, o, b, domain.KindAudio, "mic")

	assert.ErrorIs(t, o.Boot(c.id, b.id), core.ErrUnauthorized)
	assert.Empty(t, c.rec.events(t, core.EventProducerRemoved))
	_, ok := o.Ledger.Producer(pid)
	assert.True(t, ok, "non-admin boot has no side effect")

	require.NoError(t, o.Boot(admin.id, b.id))
	for _, p := range []peer{admin, b, c} {
		got := p.rec.events(t, core.EventProducerRemoved)
		require.Len(t, got, 1)
		assert.Equal(t, []domain.ProducerID{pid}, decode[core.ProducerRemoved](t, got[0]).ProducerIDs)
	}
	assert.False(t, b.rec.isCanceled(), "the link closes itself after flushing")
	assert.True(t, b.rec.isClosed())
	_, ok = o.Registry.Find(b.id)
	assert.False(t, ok)
	assert.Zero(t, o.Ledger.Owned(b.id))

	// The adapter's own disconnect after boot does not broadcast again.
	o.Disconnect(b.id)
	assert.Len(t, c.rec.events(t, core.EventProducerRemoved), 1)

	assert.ErrorIs(t, o.Boot(admin.id, "ghost"), core.ErrNotFound)
}

func TestPauseResumeOwnProducersOnly(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	pa := publish(t, o, a, domain.KindAudio, "mic")
	pb := publish(t, o, b, domain.KindAudio, "mic")
	handle := func(id domain.ProducerID) *enginetest.Producer {
		rec, ok := o.Ledger.Producer(id)
		require.True(t, ok)
		return rec.Handle.(*enginetest.Producer)
	}

	o.PauseProducers(a.id)
	assert.True(t, handle(pa).Paused())
	assert.False(t, handle(pb).Paused())

	o.ResumeProducers(a.id)
	assert.False(t, handle(pa).Paused())
}

func TestActiveSpeaker(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	pid := publish(t, o, a, domain.KindAudio, "mic")
	room, _ := o.Rooms.Get("alpha")
	obs := room.Observer.(*enginetest.Observer)

	obs.EmitVolumes([]core.Volume{{ProducerID: pid, Volume: -30}})
	obs.EmitSilence()

	for _, p := range []peer{a, b} {
		got := p.rec.events(t, core.EventActiveSpeaker)
		require.Len(t, got, 2)
		assert.JSONEq(t, `{"producerId":"`+string(pid)+`"}`, string(got[0]))
		assert.JSONEq(t, `{"producerId":null}`, string(got[1]))
	}
}

func TestRaiseHand(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)

	require.NoError(t, o.RaiseHand(b.id, ""))
	require.NoError(t, o.RaiseHand(b.id, "Bobby"))
	for _, p := range []peer{a, b} {
		got := p.rec.events(t, core.EventHandRaised)
		require.Len(t, got, 2, "every raise is broadcast")
		assert.Equal(t, core.HandRaised{Name: "Bob", ConnectionID: b.id}, decode[core.HandRaised](t, got[0]))
		assert.Equal(t, "Bobby", decode[core.HandRaised](t, got[1]).Name)
	}
}

func TestBackpressureKicksSlowConnection(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	b.rec.mu.Lock()
	b.rec.full = true
	b.rec.mu.Unlock()

	res := o.broadcast("alpha", core.EventHandRaised, core.HandRaised{Name: "Ann", ConnectionID: a.id})
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, []domain.ConnectionID{b.id}, res.Dropped)
	assert.True(t, b.rec.isCanceled())
	assert.False(t, a.rec.isCanceled())
}

func TestBackpressureDropPolicy(t *testing.T) {
	o, _ := newTestOrchestrator()
	o.Policy = app.DropPolicy{}
	a := enter(t, o, "alpha", "Ann", nil)
	a.rec.mu.Lock()
	a.rec.full = true
	a.rec.mu.Unlock()

	require.NoError(t, o.RaiseHand(a.id, ""))
	assert.False(t, a.rec.isCanceled())
}

func TestEvictedProducerIsNotAnnounced(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	_, err := o.CreateTransport(context.Background(), b.id, true)
	require.NoError(t, err)
	send, ok := o.Ledger.Transport(b.id, domain.DirectionSend)
	require.True(t, ok)
	handle, err := send.Handle.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindAudio, Tag: "mic"})
	require.NoError(t, err)

	conn, _ := o.Registry.Find(b.id)
	room, _ := o.Rooms.Get("alpha")
	rec := app.ProducerRecord{Room: "alpha", Owner: b.id, Handle: handle, Kind: domain.KindAudio, Tag: "mic"}
	require.NoError(t, o.Ledger.AddProducer(rec))

	// Owner evicted after the record was committed but before the announce.
	o.Ledger.EvictByOwner(b.id)

	assert.False(t, o.announceProducer(conn, room, rec))
	assert.Empty(t, a.rec.events(t, core.EventProducerAdded))
	assert.False(t, room.Observer.(*enginetest.Observer).Has(rec.ID()))
}

// ordered returns every event type with its payload, in arrival order.
func (r *recorder) ordered(t *testing.T) ([]string, []json.RawMessage) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.frames))
	data := make([]json.RawMessage, 0, len(r.frames))
	for _, f := range r.frames {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(f, &ev))
		types = append(types, ev.Type)
		data = append(data, ev.Data)
	}
	return types, data
}

func TestProduceRacingDisconnectNeverAnnouncesAfterRemoval(t *testing.T) {
	for i := 0; i < 50; i++ {
		o, _ := newTestOrchestrator()
		a := enter(t, o, "alpha", "Ann", nil)
		b := enter(t, o, "alpha", "Bob", &a)
		_, err := o.CreateTransport(context.Background(), b.id, true)
		require.NoError(t, err)
		room, _ := o.Rooms.Get("alpha")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = o.Produce(context.Background(), b.id, domain.KindAudio, domain.RTPParameters{}, "mic")
		}()
		go func() {
			defer wg.Done()
			o.Disconnect(b.id)
		}()
		wg.Wait()

		types, data := a.rec.ordered(t)
		removed := map[domain.ProducerID]bool{}
		for j := len(types) - 1; j >= 0; j-- {
			switch types[j] {
			case core.EventProducerRemoved:
				for _, id := range decode[core.ProducerRemoved](t, data[j]).ProducerIDs {
					removed[id] = true
				}
			case core.EventProducerAdded:
				id := decode[core.ProducerInfo](t, data[j]).ID
				assert.True(t, removed[id], "producer-added for %s must precede its removal", id)
				assert.False(t, room.Observer.(*enginetest.Observer).Has(id))
			}
		}
	}
}

func TestSharedTagProducersConsumedTogether(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	video := publish(t, o, a, domain.KindVideo, "t1")
	audio := publish(t, o, a, domain.KindAudio, "t1")

	list, err := o.Producers(b.id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := make([]domain.ProducerID, 0, len(list))
	for _, p := range list {
		assert.Equal(t, domain.AppTag("t1"), p.AppData.MediaTag)
		assert.Equal(t, a.id, p.ConnectionID)
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []domain.ProducerID{video, audio}, ids)

	_, err = o.CreateTransport(context.Background(), b.id, false)
	require.NoError(t, err)
	for _, p := range list {
		res, err := o.Consume(context.Background(), b.id, p.ID, opusCaps())
		require.NoError(t, err)
		assert.Equal(t, domain.AppTag("t1"), res.AppData.MediaTag)
		assert.Equal(t, a.id, res.ConnectionID)
		assert.Equal(t, p.Kind, res.Kind)
	}

	consumers := o.Ledger.ConsumersOf(b.id)
	require.Len(t, consumers, 2)
	for _, c := range consumers {
		assert.Equal(t, b.id, c.Owner)
		assert.Equal(t, domain.AppTag("t1"), c.Tag)
	}
}

func TestPushAndPullDiscoveryConverge(t *testing.T) {
	o, _ := newTestOrchestrator()
	a := enter(t, o, "alpha", "Ann", nil)
	b := enter(t, o, "alpha", "Bob", &a)
	_, err := o.CreateTransport(context.Background(), b.id, false)
	require.NoError(t, err)
	publish(t, o, a, domain.KindAudio, "t1")
	publish(t, o, a, domain.KindVideo, "t1")

	pushed := b.rec.events(t, core.EventProducerAdded)
	require.Len(t, pushed, 2)
	pulled, err := o.Producers(b.id)
	require.NoError(t, err)
	require.Len(t, pulled, 2)

	var wg sync.WaitGroup
	consumed := make(chan domain.ConsumerID, 4)
	consume := func(id domain.ProducerID) {
		defer wg.Done()
		res, err := o.Consume(context.Background(), b.id, id, opusCaps())
		assert.NoError(t, err)
		consumed <- res.ID
	}
	for _, raw := range pushed {
		wg.Add(1)
		go consume(decode[core.ProducerInfo](t, raw).ID)
	}
	for _, p := range pulled {
		wg.Add(1)
		go consume(p.ID)
	}
	wg.Wait()
	close(consumed)

	distinct := map[domain.ConsumerID]bool{}
	for id := range consumed {
		distinct[id] = true
	}
	assert.Len(t, distinct, 2, "each producer yields one consumer whichever path found it")
	assert.Len(t, o.Ledger.ConsumersOf(b.id), 2)
}
