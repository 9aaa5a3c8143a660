package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/types"
)

func TestRegisterDuplicateKeyFails(t *testing.T) {
	r := NewRegistry()
	cmd := &Command{Scope: ScopeVolume, Method: "GET", Cmd: "info",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return nil, nil }}
	require.NoError(t, r.Register(cmd))
	require.Error(t, r.Register(cmd))
}

func TestResolveVolumeScope(t *testing.T) {
	r := NewRegistry()
	called := false
	require.NoError(t, r.Register(&Command{
		Scope: ScopeVolume, Method: "GET", Cmd: "stats",
		Callback: func(*types.Request, *types.Response) (interface{}, error) {
			called = true
			return "ok", nil
		},
	}))

	req := types.NewRequest("GET")
	req.Cmd = "stats"
	resp := types.NewResponse()
	result, err := r.Call(req, resp)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", result)
}

func TestResolvePrefersDocumentSpecificOverGeneric(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Command{
		Scope: ScopeDirectory, Method: "GET", Cmd: "find", Document: "",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return "generic", nil },
	}))
	require.NoError(t, r.Register(&Command{
		Scope: ScopeDirectory, Method: "GET", Cmd: "find", Document: "post",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return "post-specific", nil },
	}))

	req := types.NewRequest("GET")
	req.Cmd = "find"
	req.Document = "post"
	result, err := r.Call(req, types.NewResponse())
	require.NoError(t, err)
	assert.Equal(t, "post-specific", result)
}

func TestResolveNarrowsByGUIDAndProp(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Command{
		Scope: ScopeDocument, Method: "GET", Cmd: "",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return "document", nil },
	}))
	require.NoError(t, r.Register(&Command{
		Scope: ScopeProperty, Method: "GET", Cmd: "",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return "property", nil },
	}))

	req := types.NewRequest("GET")
	req.Document = "post"
	req.GUID = "g1"
	result, err := r.Call(req, types.NewResponse())
	require.NoError(t, err)
	assert.Equal(t, "document", result)

	req.Prop = "title"
	result, err = r.Call(req, types.NewResponse())
	require.NoError(t, err)
	assert.Equal(t, "property", result)
}

func TestAccessLevelGateRejectsInsufficientAccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Command{
		Scope: ScopeVolume, Method: "GET", Cmd: "admin",
		AccessLevel: schema.AccessAuth,
		Callback:    func(*types.Request, *types.Response) (interface{}, error) { return "ok", nil },
	}))

	req := types.NewRequest("GET")
	req.Cmd = "admin"
	req.AccessLevel = schema.AccessRemote
	_, err := r.Call(req, types.NewResponse())
	require.Error(t, err)
}

func TestArgCastsCoerceBeforeCallback(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Command{
		Scope:    ScopeVolume,
		Method:   "GET",
		Cmd:      "find",
		ArgCasts: map[string]ArgCast{"limit": ToInt, "tags": ToList},
		Callback: func(req *types.Request, resp *types.Response) (interface{}, error) {
			return req.Args, nil
		},
	}))

	req := types.NewRequest("GET")
	req.Cmd = "find"
	req.Args["limit"] = "10"
	req.Args["tags"] = "a,b,c"
	result, err := r.Call(req, types.NewResponse())
	require.NoError(t, err)
	args := result.(map[string]interface{})
	assert.Equal(t, int64(10), args["limit"])
	assert.Equal(t, []string{"a", "b", "c"}, args["tags"])
}

func TestPostHookTransformsResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Command{
		Scope:    ScopeVolume,
		Method:   "GET",
		Cmd:      "echo",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return 1, nil },
		Post: []PostHook{
			func(req *types.Request, result interface{}) (interface{}, error) {
				return result.(int) + 1, nil
			},
		},
	}))

	req := types.NewRequest("GET")
	req.Cmd = "echo"
	result, err := r.Call(req, types.NewResponse())
	require.NoError(t, err)
	assert.Equal(t, 2, result)
}

func TestResolveUnknownCommandFails(t *testing.T) {
	r := NewRegistry()
	req := types.NewRequest("GET")
	req.Cmd = "nope"
	_, err := r.Call(req, types.NewResponse())
	require.Error(t, err)
}

func TestCallRecordsOperationMetricsWhenCollectorSet(t *testing.T) {
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test_dispatch"})
	require.NoError(t, err)

	r := NewRegistry()
	r.Metrics = collector
	require.NoError(t, r.Register(&Command{
		Scope: ScopeVolume, Method: "GET", Cmd: "ok",
		Callback: func(*types.Request, *types.Response) (interface{}, error) { return "fine", nil },
	}))
	require.NoError(t, r.Register(&Command{
		Scope: ScopeVolume, Method: "GET", Cmd: "boom",
		Callback: func(*types.Request, *types.Response) (interface{}, error) {
			return nil, errors.New("boom")
		},
	}))

	okReq := types.NewRequest("GET")
	okReq.Cmd = "ok"
	_, err = r.Call(okReq, types.NewResponse())
	require.NoError(t, err)

	failReq := types.NewRequest("GET")
	failReq.Cmd = "boom"
	_, err = r.Call(failReq, types.NewResponse())
	require.Error(t, err)

	snapshot := collector.GetMetrics()
	operations, ok := snapshot["operations"].(map[string]*metrics.OperationMetrics)
	require.True(t, ok)
	assert.Equal(t, int64(1), operations["GET:*:ok"].Count)
	assert.Equal(t, int64(1), operations["GET:*:boom"].Count)
	assert.Equal(t, int64(1), operations["GET:*:boom"].Errors)
}
