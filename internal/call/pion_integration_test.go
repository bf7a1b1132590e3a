package call

import (
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
)

func newVNetFactories(t *testing.T) (*media.PionFactory, *media.PionFactory) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Stop() })

	factories := make([]*media.PionFactory, 0, 2)
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(n))
		f, err := media.NewPionFactory(media.PionConfig{Net: n, DataChannelMaxMessageBytes: 4096})
		require.NoError(t, err)
		factories = append(factories, f)
	}
	require.NoError(t, router.Start())
	return factories[0], factories[1]
}

func TestDirectConnection_OverPion(t *testing.T) {
	fa, fb := newVNetFactories(t)
	board := newSwitchboard(t)
	alice := board.join("alice", "a1", fa)
	bob := board.join("bob", "b1", fb)

	aliceRec, bobRec := newRecorder(), newRecorder()
	bob.reg.OnIncoming(func(s *Session) { s.SetListener(bobRec.listener()) })

	outbound, err := alice.reg.Connect("bob", aliceRec.listener())
	require.NoError(t, err)

	recv(t, "callee starting", bobRec.starting)
	bobDC := recv(t, "callee open", bobRec.opened)
	recv(t, "caller open", aliceRec.opened)
	assert.Equal(t, media.DataChannelLabel, bobDC.Label())

	require.NoError(t, outbound.SendData([]byte("ping")))
	assert.Equal(t, "ping", recv(t, "callee message", bobRec.messages))
	require.NoError(t, bobDC.SendText("pong"))
	assert.Equal(t, "pong", recv(t, "caller message", aliceRec.messages))

	recv(t, "caller connected", aliceRec.connected)
	recv(t, "callee connected", bobRec.connected)
	assert.NotZero(t, alice.metrics.Get(metrics.CandidateSent))
	assert.NotZero(t, bob.metrics.Get(metrics.CandidateApplied))

	outbound.Hangup()
	assert.Equal(t, HangupLocal, recv(t, "caller hangup", aliceRec.hangups))
	assert.Equal(t, HangupRemote, recv(t, "callee hangup", bobRec.hangups))
}
