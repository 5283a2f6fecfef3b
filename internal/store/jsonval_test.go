package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListScan(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan([]byte(`["acme/widget","acme/api"]`)))
	assert.Equal(t, StringList{"acme/widget", "acme/api"}, l)

	require.NoError(t, l.Scan("[\"one\"]"))
	assert.Equal(t, StringList{"one"}, l, "string source decodes too")

	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l, "NULL resets the list")

	l = StringList{"stale"}
	require.NoError(t, l.Scan([]byte{}))
	assert.Nil(t, l, "empty bytes reset a reused scan target")

	assert.Error(t, l.Scan(42))
}

func TestStringListValueNeverNull(t *testing.T) {
	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)

	v, err = StringList{"a"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(v.([]byte)))
}

func TestIntListRoundTrip(t *testing.T) {
	v, err := IntList{3000, 8080}.Value()
	require.NoError(t, err)

	var l IntList
	require.NoError(t, l.Scan(v))
	assert.Equal(t, IntList{3000, 8080}, l)

	v, err = IntList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v, "nil encodes as empty array, not NULL")
}

func TestVSCodeJSONNilValue(t *testing.T) {
	var v *VSCodeJSON
	val, err := v.Value()
	require.NoError(t, err)
	assert.Nil(t, val, "absent vscode info stores as NULL")
	assert.Nil(t, v.Info())
}

func TestVSCodeJSONScan(t *testing.T) {
	var v VSCodeJSON
	require.NoError(t, v.Scan([]byte(`{"containerName":"morphvm_abc1","status":"running"}`)))
	info := v.Info()
	require.NotNil(t, info)
	assert.Equal(t, "morphvm_abc1", info.ContainerName)
	assert.Equal(t, "running", info.Status)
}

func TestNetworkingJSONScan(t *testing.T) {
	var n NetworkingJSON
	require.NoError(t, n.Scan([]byte(`[{"status":"running","port":3000,"url":"https://port-3000-x.example.dev"}]`)))
	require.Len(t, n, 1)
	assert.Equal(t, 3000, n[0].Port)
	assert.Equal(t, "running", n[0].Status)

	v, err := NetworkingJSON(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)
}
