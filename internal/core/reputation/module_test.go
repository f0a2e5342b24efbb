package reputation

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/slskdn/go-mesh/internal/core/storage/engine"
	"github.com/slskdn/go-mesh/pkg/types"
)

func TestModule_PersistsAcrossRestart(t *testing.T) {
	db := newTestEngine(t)
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	peer := types.RandomPeerID()

	newApp := func(store **Store) *fxtest.App {
		return fxtest.New(t,
			fx.Supply(&cfg),
			fx.Provide(func() engine.Engine { return db }),
			Module(),
			fx.Populate(store),
		)
	}

	var first *Store
	app := newApp(&first)
	app.RequireStart()
	require.NoError(t, first.RecordEvent(Event{Peer: peer, Type: EventInvalidSignature}))
	score := first.GetScore(peer)
	app.RequireStop()

	var second *Store
	app = newApp(&second)
	app.RequireStart()
	defer app.RequireStop()

	assert.InDelta(t, score, second.GetScore(peer), 1e-9)
	assert.Less(t, second.GetScore(peer), 0.0)

	t.Log("✅ 模块停止时落盘，重启后恢复分数")
}
