package hop

import (
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/podoh/internal/route"
	"github.com/Operative-001/podoh/internal/transport"
)

func captureLogs(t *testing.T) *logtest.Hook {
	t.Helper()
	std := logrus.StandardLogger()
	level := std.GetLevel()
	std.SetLevel(logrus.InfoLevel)
	hook := logtest.NewGlobal()
	t.Cleanup(func() {
		std.ReplaceHooks(make(logrus.LevelHooks))
		std.SetLevel(level)
	})
	return hook
}

func entryWithMessage(hook *logtest.Hook, msg string) *logrus.Entry {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestRelayedLineShowsTimingsAtInfo(t *testing.T) {
	hook := captureLogs(t)
	origin := transport.NewMemory()
	origin.Register("odoh.example", transport.Respond(http.StatusOK, []byte("pong")))
	r := newRouter(t, Config{Label: "hop-1", Layout: route.LayoutPassthrough, Dispatcher: origin})

	resp, err := r.Handle(intercepted(t, []byte("opaque")))
	require.NoError(t, err)
	readAll(t, resp)

	e := entryWithMessage(hook, "request relayed")
	require.NotNil(t, e)
	assert.Equal(t, logrus.InfoLevel, e.Level)
	assert.Equal(t, "hop-1", e.Data["label"])
	assert.Equal(t, len("opaque"), e.Data["in"])
	assert.Equal(t, http.StatusOK, e.Data["status"])
	assert.Contains(t, e.Data, "parse_duration")
	assert.Contains(t, e.Data, "latency")
}

func TestFailedLineCarriesKind(t *testing.T) {
	hook := captureLogs(t)
	r := newRouter(t, Config{Layout: route.LayoutHopCount, Pool: []string{"nowhere:1"}, Dispatcher: transport.NewMemory()})

	_, err := r.Handle(intercepted(t, nil))
	require.Error(t, err)

	e := entryWithMessage(hook, "request failed")
	require.NotNil(t, e)
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, TruncatedPayload.String(), e.Data["kind"])
	assert.Nil(t, entryWithMessage(hook, "request relayed"))
}
