package network

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/slidesync/logging"
	"github.com/heitortanoue/slidesync/pkg/gossip"
	"github.com/heitortanoue/slidesync/pkg/loader"
	"github.com/heitortanoue/slidesync/pkg/ownership"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/schema"
	"github.com/heitortanoue/slidesync/pkg/session"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

// staticPeers is a peer list filled in once every participant listens.
type staticPeers struct {
	urls  []string
	mutex sync.RWMutex
}

func (p *staticPeers) set(urls ...string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.urls = urls
}

func (p *staticPeers) GetMemberURLs() []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]string(nil), p.urls...)
}

func (p *staticPeers) Count() int {
	return len(p.GetMemberURLs())
}

type participant struct {
	session *session.Session
	loader  *loader.Loader
	peers   *staticPeers
	url     string
}

// startParticipant runs a session whose envelopes travel over HTTP gossip.
func startParticipant(t *testing.T, id string, arbiter ownership.Arbiter) *participant {
	t.Helper()

	reg := schema.NewRegistry()
	require.NoError(t, reg.RegisterDefault())

	logger := logging.NewSessionLogger(id, nil)
	peers := &staticPeers{}
	diss := gossip.NewDisseminator(id, 3, peers, gossip.NewHTTPSender(id, time.Second), logger, nil)

	sess, err := session.New(
		session.Config{SessionID: "demo", ParticipantID: id, TickInterval: 5 * time.Millisecond},
		reg, diss, session.WithArbiter(arbiter), session.WithLogger(logger))
	require.NoError(t, err)
	diss.SetHandler(func(env *replication.Envelope) { sess.Deliver(env) })

	l := loader.New(sess)
	ts := httptest.NewServer(NewServer(sess, WithLoader(l), WithReceiver(diss)).Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return &participant{session: sess, loader: l, peers: peers, url: ts.URL}
}

func TestGossip_ShowFollowsThePresenter(t *testing.T) {
	arbiter := ownership.NewMemoryArbiter()
	alice := startParticipant(t, "alice", arbiter)
	bob := startParticipant(t, "bob", arbiter)
	alice.peers.set(bob.url)
	bob.peers.set(alice.url)

	show, err := alice.loader.Load(context.Background(), slides.FromSources("talk", "a.png", "b.png", "c.png"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, show.Ready(ctx))

	cursorOf := func(p *participant) int {
		index, ok, err := p.session.Cursor(context.Background(), show.Controller.ID)
		if err != nil || !ok {
			return -1
		}
		return index
	}
	require.Eventually(t, func() bool { return cursorOf(bob) == 0 }, waitFor, 5*time.Millisecond,
		"bob adopts the show")

	d, err := alice.session.Interact(context.Background(), show.Slides[0].ID)
	require.NoError(t, err)
	advanced, err := d.Wait(ctx)
	require.NoError(t, err)
	require.True(t, advanced)

	require.Eventually(t, func() bool { return cursorOf(bob) == 1 }, waitFor, 5*time.Millisecond,
		"bob follows the cursor")
	require.Eventually(t, func() bool {
		snap, ok := bob.session.Store().View(show.Slides[1].ID)
		return ok && snap.Transform.Scale.X == slides.LargeScale
	}, waitFor, 5*time.Millisecond, "bob shows the current slide large")

	n, err := alice.loader.RemoveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Eventually(t, func() bool { return bob.session.Store().Len() == 0 }, waitFor, 5*time.Millisecond,
		"removal propagates")
}

func TestGossip_LateJoinerFetchesState(t *testing.T) {
	arbiter := ownership.NewMemoryArbiter()
	alice := startParticipant(t, "alice", arbiter)

	show, err := alice.loader.Load(context.Background(), slides.FromSources("talk", "a.png", "b.png"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, show.Ready(ctx))

	carol := startParticipant(t, "carol", arbiter)
	var st session.State
	_, err = gossip.NewHTTPSender("carol", time.Second).RequestJoin(ctx, []string{alice.url}, &st)
	require.NoError(t, err)
	require.NoError(t, carol.session.Join(ctx, st))

	assert.Equal(t, 3, carol.session.Store().Len())
	require.Eventually(t, func() bool {
		_, ok, err := carol.session.Cursor(context.Background(), show.Controller.ID)
		return err == nil && ok
	}, waitFor, 5*time.Millisecond, "the joined show has a running counter")
}
