package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamaah/backend/internal/auth"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/presence"
)

// fakeVerifier accepts tokens of the form "tok-<user>".
type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(_ context.Context, token string) (auth.Identity, error) {
	if len(token) <= 4 || token[:4] != "tok-" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: token[4:], Email: token[4:] + "@example.com"}, nil
}

type fakeOracle struct {
	mu       sync.Mutex
	roles    map[string]models.Role // roomID/userID -> role
	getErr   error
	failSet  map[string]error // userID -> error returned by SetMemberRole
	setCalls []string
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{roles: make(map[string]models.Role), failSet: make(map[string]error)}
}

func (o *fakeOracle) put(roomID, userID string, role models.Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roles[roomID+"/"+userID] = role
}

func (o *fakeOracle) role(roomID, userID string) models.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roles[roomID+"/"+userID]
}

func (o *fakeOracle) GetMemberRole(_ context.Context, roomID, userID string) (models.Role, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.getErr != nil {
		return "", o.getErr
	}
	role, ok := o.roles[roomID+"/"+userID]
	if !ok {
		return "", models.ErrNotMember
	}
	return role, nil
}

func (o *fakeOracle) SetMemberRole(_ context.Context, roomID, userID string, role models.Role) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setCalls = append(o.setCalls, userID+"="+string(role))
	if err := o.failSet[userID]; err != nil {
		return err
	}
	o.roles[roomID+"/"+userID] = role
	return nil
}

// txOracle adds an all-or-nothing TransferHost.
type txOracle struct {
	*fakeOracle
	transferErr error
}

func (o *txOracle) TransferHost(ctx context.Context, roomID, from, to string) error {
	if o.transferErr != nil {
		return o.transferErr
	}
	o.put(roomID, from, models.RoleListener)
	o.put(roomID, to, models.RoleHost)
	return nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved []models.PlaybackCommand
	err   error
}

func (s *fakeStore) PersistPlaybackState(_ context.Context, _ string, cmd models.PlaybackCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cmd)
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	msgs   []WSMessage
	full   bool
	closed int
}

func (f *fakeSender) Send(msg WSMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeSender) events(name string) []WSMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []WSMessage
	for _, m := range f.msgs {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

type fixture struct {
	engine   *Engine
	registry *presence.Registry
	hub      *Hub
	oracle   *fakeOracle
	store    *fakeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := presence.NewRegistry(nil)
	hub := NewHub(nil, nil, nil)
	oracle := newFakeOracle()
	store := &fakeStore{}
	return &fixture{
		engine:   NewEngine(reg, hub, fakeVerifier{}, oracle, store, nil),
		registry: reg,
		hub:      hub,
		oracle:   oracle,
		store:    store,
	}
}

func (f *fixture) connect(t *testing.T, userID, roomID string) (*Session, *fakeSender) {
	t.Helper()
	s, err := f.engine.Admit(context.Background(), "tok-"+userID, roomID)
	require.NoError(t, err)
	out := &fakeSender{}
	f.engine.Join(s, out)
	return s, out
}

func lastSnapshot(t *testing.T, out *fakeSender) presence.Snapshot {
	t.Helper()
	msgs := out.events(EventPresenceUpdate)
	require.NotEmpty(t, msgs)
	var snap presence.Snapshot
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Data, &snap))
	return snap
}

func rolesOf(snap presence.Snapshot) map[string]models.Role {
	out := make(map[string]models.Role, len(snap.Users))
	for _, u := range snap.Users {
		out[u.UserID] = u.Role
	}
	return out
}

func TestAdmitGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Admit(ctx, "", "R1")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = f.engine.Admit(ctx, "   ", "R1")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = f.engine.Admit(ctx, "tok-U1", "")
	assert.ErrorIs(t, err, ErrMissingRoom)

	_, err = f.engine.Admit(ctx, "garbage", "R1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	f.oracle.getErr = errors.New("db down")
	_, err = f.engine.Admit(ctx, "tok-U1", "R1")
	assert.ErrorIs(t, err, ErrMembershipUnavailable)

	assert.Equal(t, 0, f.registry.RoomCount(), "failed admissions create no state")
	assert.Equal(t, 0, f.hub.ConnectionCount("R1"))
}

func TestAdmitWithoutMembershipIsListener(t *testing.T) {
	f := newFixture(t)
	_, out := f.connect(t, "U1", "R1")

	snap := lastSnapshot(t, out)
	assert.Equal(t, "R1", snap.RoomID)
	assert.Equal(t, 1, snap.Count)
	require.Len(t, snap.Users, 1)
	assert.Equal(t, "U1", snap.Users[0].UserID)
	assert.Equal(t, models.RoleListener, snap.Users[0].Role)
}

func TestAdmitUsesStoredRole(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	s, _ := f.connect(t, "H", "R1")
	assert.Equal(t, models.RoleHost, s.Role())
}

func TestJoinSnapshotReachesEveryone(t *testing.T) {
	f := newFixture(t)
	_, first := f.connect(t, "U1", "R1")
	first.reset()
	_, second := f.connect(t, "U2", "R1")

	assert.Equal(t, 2, lastSnapshot(t, first).Count)
	assert.Equal(t, 2, lastSnapshot(t, second).Count)
}

func TestHeartbeatDoesNotBroadcast(t *testing.T) {
	f := newFixture(t)
	s, out := f.connect(t, "U1", "R1")
	out.reset()

	f.engine.Heartbeat(s)
	assert.Empty(t, out.events(EventPresenceUpdate))
}

func TestHostPlaybackReachesAllDevices(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	host, hostPhone := f.connect(t, "H", "R1")
	_, hostLaptop := f.connect(t, "H", "R1")
	_, listener := f.connect(t, "U2", "R1")
	_, otherRoom := f.connect(t, "U3", "R9")

	playing, seek := true, 42.0
	before := time.Now().UTC()
	require.NoError(t, f.engine.SubmitPlaybackCommand(host, models.PlaybackCommand{IsPlaying: &playing, LastSeekSeconds: &seek}))

	for _, out := range []*fakeSender{hostPhone, hostLaptop, listener} {
		msgs := out.events(EventPlaybackUpdate)
		require.Len(t, msgs, 1)
		var got models.PlaybackCommand
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		require.NotNil(t, got.IsPlaying)
		require.NotNil(t, got.LastSeekSeconds)
		assert.True(t, *got.IsPlaying)
		assert.Equal(t, 42.0, *got.LastSeekSeconds)
		assert.False(t, got.HostSentAt.Before(before.Truncate(time.Second)))
	}
	assert.Empty(t, otherRoom.events(EventPlaybackUpdate))
}

func TestPlaybackKeepsHostTimestamp(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	host, out := f.connect(t, "H", "R1")

	sent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.engine.SubmitPlaybackCommand(host, models.PlaybackCommand{HostSentAt: sent}))

	var got models.PlaybackCommand
	require.NoError(t, json.Unmarshal(out.events(EventPlaybackUpdate)[0].Data, &got))
	assert.True(t, sent.Equal(got.HostSentAt))
}

func TestListenerPlaybackIsDropped(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	_, hostOut := f.connect(t, "H", "R1")
	listener, listenerOut := f.connect(t, "U2", "R1")

	playing := false
	err := f.engine.SubmitPlaybackCommand(listener, models.PlaybackCommand{IsPlaying: &playing})
	assert.ErrorIs(t, err, ErrNotHost)
	assert.Empty(t, hostOut.events(EventPlaybackUpdate))
	assert.Empty(t, listenerOut.events(EventPlaybackUpdate))
}

func TestHandoverFlipsRoles(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	f.oracle.put("R2", "U2", models.RoleListener)
	host, hostOut := f.connect(t, "H", "R2")
	target, targetOut := f.connect(t, "U2", "R2")

	require.NoError(t, f.engine.Handover(context.Background(), host, "U2"))

	assert.Equal(t, models.RoleListener, f.oracle.role("R2", "H"))
	assert.Equal(t, models.RoleHost, f.oracle.role("R2", "U2"))
	assert.Equal(t, models.RoleListener, host.Role())
	assert.Equal(t, models.RoleHost, target.Role())

	for _, out := range []*fakeSender{hostOut, targetOut} {
		assert.Equal(t, map[string]models.Role{"H": models.RoleListener, "U2": models.RoleHost}, rolesOf(lastSnapshot(t, out)))
		changed := out.events(EventHostChanged)
		require.Len(t, changed, 1)
		var hc HostChanged
		require.NoError(t, json.Unmarshal(changed[0].Data, &hc))
		assert.Equal(t, "U2", hc.NewHostUserID)
		assert.Equal(t, "H", hc.PreviousHostUserID)
	}

	// authority moved with the role
	playing := true
	assert.ErrorIs(t, f.engine.SubmitPlaybackCommand(host, models.PlaybackCommand{IsPlaying: &playing}), ErrNotHost)
	assert.NoError(t, f.engine.SubmitPlaybackCommand(target, models.PlaybackCommand{IsPlaying: &playing}))
}

func TestHandoverPromotesAbsentTarget(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	host, out := f.connect(t, "H", "R2")

	require.NoError(t, f.engine.Handover(context.Background(), host, "offline-user"))
	assert.Equal(t, models.RoleHost, f.oracle.role("R2", "offline-user"))
	assert.Equal(t, map[string]models.Role{"H": models.RoleListener}, rolesOf(lastSnapshot(t, out)))
	assert.Len(t, out.events(EventHostChanged), 1)
}

func TestHandoverByListenerIsDropped(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	_, hostOut := f.connect(t, "H", "R2")
	listener, _ := f.connect(t, "U2", "R2")
	hostOut.reset()

	assert.ErrorIs(t, f.engine.Handover(context.Background(), listener, "U2"), ErrNotHost)
	assert.Empty(t, f.oracle.setCalls)
	assert.Empty(t, hostOut.msgs)
}

func TestHandoverInvalidTarget(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	host, _ := f.connect(t, "H", "R2")

	assert.ErrorIs(t, f.engine.Handover(context.Background(), host, ""), ErrInvalidTarget)
	assert.ErrorIs(t, f.engine.Handover(context.Background(), host, "H"), ErrInvalidTarget)
	assert.Equal(t, models.RoleHost, host.Role())
}

func TestHandoverDemoteFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	host, hostOut := f.connect(t, "H", "R2")
	f.connect(t, "U2", "R2")
	hostOut.reset()
	f.oracle.failSet["H"] = errors.New("write failed")

	err := f.engine.Handover(context.Background(), host, "U2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialHandover)
	assert.Equal(t, []string{"H=listener"}, f.oracle.setCalls, "promotion is not attempted")
	assert.Equal(t, models.RoleHost, host.Role())
	assert.Empty(t, hostOut.msgs)
}

func TestHandoverPromoteFailureAppliesDemoteOnly(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	host, hostOut := f.connect(t, "H", "R2")
	target, _ := f.connect(t, "U2", "R2")
	hostOut.reset()
	f.oracle.failSet["U2"] = errors.New("write failed")

	err := f.engine.Handover(context.Background(), host, "U2")
	assert.ErrorIs(t, err, ErrPartialHandover)
	assert.Equal(t, models.RoleListener, host.Role())
	assert.Equal(t, models.RoleListener, target.Role())
	assert.Equal(t, map[string]models.Role{"H": models.RoleListener, "U2": models.RoleListener}, rolesOf(lastSnapshot(t, hostOut)))
	assert.Empty(t, hostOut.events(EventHostChanged))
}

func TestHandoverUsesTransaction(t *testing.T) {
	reg := presence.NewRegistry(nil)
	hub := NewHub(nil, nil, nil)
	oracle := &txOracle{fakeOracle: newFakeOracle()}
	engine := NewEngine(reg, hub, fakeVerifier{}, oracle, &fakeStore{}, nil)
	oracle.put("R2", "H", models.RoleHost)

	host, err := engine.Admit(context.Background(), "tok-H", "R2")
	require.NoError(t, err)
	out := &fakeSender{}
	engine.Join(host, out)

	oracle.transferErr = errors.New("serialization failure")
	require.Error(t, engine.Handover(context.Background(), host, "U2"))
	assert.Equal(t, models.RoleHost, host.Role())
	assert.Empty(t, oracle.setCalls)

	oracle.transferErr = nil
	require.NoError(t, engine.Handover(context.Background(), host, "U2"))
	assert.Equal(t, models.RoleListener, host.Role())
	assert.Equal(t, models.RoleHost, oracle.role("R2", "U2"))
	assert.Len(t, out.events(EventHostChanged), 1)
}

func TestDisconnectOnlySession(t *testing.T) {
	f := newFixture(t)
	s1, _ := f.connect(t, "U1", "R1")
	_, other := f.connect(t, "U2", "R1")
	other.reset()

	f.engine.Disconnect(s1)
	snap := lastSnapshot(t, other)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, "U2", snap.Users[0].UserID)
	assert.Equal(t, 1, f.hub.ConnectionCount("R1"))
}

func TestDisconnectOneOfSeveralSessions(t *testing.T) {
	f := newFixture(t)
	phone, _ := f.connect(t, "U1", "R1")
	_, laptop := f.connect(t, "U1", "R1")
	laptop.reset()

	f.engine.Disconnect(phone)
	f.engine.Disconnect(phone)
	assert.Empty(t, laptop.events(EventPresenceUpdate))
	assert.Equal(t, 1, f.engine.Snapshot("R1").Count)
}

func TestSessionLoggerHooks(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var joins, leaves []string
	f.engine.SetSessionLogger(
		func(roomID, userID string) { mu.Lock(); joins = append(joins, roomID+"/"+userID); mu.Unlock() },
		func(roomID, userID string) { mu.Lock(); leaves = append(leaves, roomID+"/"+userID); mu.Unlock() },
	)
	a, _ := f.connect(t, "U1", "R1")
	b, _ := f.connect(t, "U1", "R1")
	f.engine.Disconnect(a)
	f.engine.Disconnect(b)

	assert.Equal(t, []string{"R1/U1"}, joins)
	assert.Equal(t, []string{"R1/U1"}, leaves)
}

func TestFullBufferClosesConnection(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	host, hostOut := f.connect(t, "H", "R1")
	_, slow := f.connect(t, "U2", "R1")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()
	hostOut.reset()

	playing := true
	require.NoError(t, f.engine.SubmitPlaybackCommand(host, models.PlaybackCommand{IsPlaying: &playing}))
	assert.Len(t, hostOut.events(EventPlaybackUpdate), 1, "a slow peer does not block others")
	slow.mu.Lock()
	assert.Equal(t, 1, slow.closed)
	slow.mu.Unlock()
}

func TestApplyPlayback(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "H", models.RoleHost)
	_, out := f.connect(t, "U2", "R1")

	paused := false
	cmd, err := f.engine.ApplyPlayback(context.Background(), "H", "R1", models.PlaybackCommand{IsPlaying: &paused})
	require.NoError(t, err)
	assert.False(t, cmd.HostSentAt.IsZero())
	require.Len(t, f.store.saved, 1)
	assert.Len(t, out.events(EventPlaybackUpdate), 1)
}

func TestApplyPlaybackRejections(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R1", "L", models.RoleListener)
	f.oracle.put("R1", "H", models.RoleHost)
	_, out := f.connect(t, "U2", "R1")
	ctx := context.Background()

	_, err := f.engine.ApplyPlayback(ctx, "L", "R1", models.PlaybackCommand{})
	assert.ErrorIs(t, err, ErrNotHost)
	_, err = f.engine.ApplyPlayback(ctx, "stranger", "R1", models.PlaybackCommand{})
	assert.ErrorIs(t, err, ErrNotHost)

	f.store.err = errors.New("db down")
	_, err = f.engine.ApplyPlayback(ctx, "H", "R1", models.PlaybackCommand{})
	assert.Error(t, err)

	f.store.err = nil
	f.oracle.getErr = errors.New("db down")
	_, err = f.engine.ApplyPlayback(ctx, "H", "R1", models.PlaybackCommand{})
	assert.ErrorIs(t, err, ErrMembershipUnavailable)

	assert.Empty(t, f.store.saved)
	assert.Empty(t, out.events(EventPlaybackUpdate))
}

func TestHandoverAsReverifiesRole(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	f.oracle.put("R2", "U2", models.RoleListener)
	f.connect(t, "H", "R2")

	assert.ErrorIs(t, f.engine.HandoverAs(context.Background(), "U2", "R2", "U2"), ErrNotHost)
	require.NoError(t, f.engine.HandoverAs(context.Background(), "H", "R2", "U2"))
	assert.Equal(t, models.RoleHost, f.oracle.role("R2", "U2"))
}

func TestRemoteHostChangeUpdatesLocalSessions(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	host, out := f.connect(t, "H", "R2")
	target, _ := f.connect(t, "U2", "R2")
	out.reset()

	payload, err := json.Marshal(HostChanged{NewHostUserID: "U2", PreviousHostUserID: "H"})
	require.NoError(t, err)
	f.engine.handleRemote("R2", EventHostChanged, payload)

	assert.Equal(t, models.RoleListener, host.Role())
	assert.Equal(t, models.RoleHost, target.Role())
	assert.Len(t, out.events(EventHostChanged), 1)
	assert.Equal(t, map[string]models.Role{"H": models.RoleListener, "U2": models.RoleHost}, rolesOf(lastSnapshot(t, out)))
}

func TestRemotePlaybackIsRelayed(t *testing.T) {
	f := newFixture(t)
	_, out := f.connect(t, "U1", "R1")

	f.engine.handleRemote("R1", EventPlaybackUpdate, []byte(`{"is_playing":true,"host_sent_at":"2026-01-01T00:00:00Z"}`))
	msgs := out.events(EventPlaybackUpdate)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"is_playing":true,"host_sent_at":"2026-01-01T00:00:00Z"}`, string(msgs[0].Data))
}

// stallingTxOracle holds the first transfer out of stallFrom after it commits, until release closes.
type stallingTxOracle struct {
	*txOracle
	stallFrom string
	committed chan struct{}
	release   chan struct{}
}

func (o *stallingTxOracle) TransferHost(ctx context.Context, roomID, from, to string) error {
	if err := o.txOracle.TransferHost(ctx, roomID, from, to); err != nil {
		return err
	}
	if from == o.stallFrom {
		close(o.committed)
		<-o.release
	}
	return nil
}

func TestConcurrentHandoversLeaveOneHost(t *testing.T) {
	reg := presence.NewRegistry(nil)
	oracle := &stallingTxOracle{
		txOracle:  &txOracle{fakeOracle: newFakeOracle()},
		stallFrom: "A",
		committed: make(chan struct{}),
		release:   make(chan struct{}),
	}
	engine := NewEngine(reg, NewHub(nil, nil, nil), fakeVerifier{}, oracle, &fakeStore{}, nil)
	oracle.put("R", "A", models.RoleHost)
	oracle.put("R", "B", models.RoleListener)
	oracle.put("R", "C", models.RoleListener)

	join := func(userID string) *Session {
		s, err := engine.Admit(context.Background(), "tok-"+userID, "R")
		require.NoError(t, err)
		engine.Join(s, &fakeSender{})
		return s
	}
	a, b, c := join("A"), join("B"), join("C")

	firstDone := make(chan error, 1)
	go func() { firstDone <- engine.Handover(context.Background(), a, "B") }()
	<-oracle.committed

	secondDone := make(chan error, 1)
	go func() { secondDone <- engine.HandoverAs(context.Background(), "B", "R", "C") }()

	select {
	case <-secondDone:
		t.Fatal("second handover ran before the first finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(oracle.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	assert.Equal(t, map[string]models.Role{"A": models.RoleListener, "B": models.RoleListener, "C": models.RoleHost},
		rolesOf(engine.Snapshot("R")))
	assert.Equal(t, models.RoleListener, a.Role())
	assert.Equal(t, models.RoleListener, b.Role())
	assert.Equal(t, models.RoleHost, c.Role())
	assert.Equal(t, models.RoleHost, oracle.role("R", "C"))
	assert.Zero(t, engine.handovers.size())
}

func TestHandoverBetweenAbsentUsersStillSnapshots(t *testing.T) {
	f := newFixture(t)
	f.oracle.put("R2", "H", models.RoleHost)
	_, out := f.connect(t, "U9", "R2")
	out.reset()

	require.NoError(t, f.engine.HandoverAs(context.Background(), "H", "R2", "U3"))
	assert.Len(t, out.events(EventPresenceUpdate), 1)
	assert.Equal(t, map[string]models.Role{"U9": models.RoleListener}, rolesOf(lastSnapshot(t, out)))
	assert.Len(t, out.events(EventHostChanged), 1)
}

func TestDrainWaitsForDisconnect(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(t, "U1", "R1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.Drain(ctx), context.DeadlineExceeded)

	left := make(chan struct{})
	f.engine.SetSessionLogger(nil, func(string, string) { close(left) })
	go f.engine.Disconnect(s)
	require.NoError(t, f.engine.Drain(context.Background()))
	select {
	case <-left:
	default:
		t.Fatal("drain returned before the leave hook ran")
	}
}
