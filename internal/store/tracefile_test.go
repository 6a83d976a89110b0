package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceFiles_SeedAppendRead(t *testing.T) {
	tf, err := NewTraceFiles(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tf.Seed("s1"))
	data, err := tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	require.NoError(t, tf.Append("s1", TraceKindScalar, []byte(`{"index":0}`)))
	data, err = tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)
	assert.Equal(t, `[{"index":0}]`, string(data))

	require.NoError(t, tf.Append("s1", TraceKindScalar, []byte(`{"index":1}`)))
	data, err = tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)
	assert.Equal(t, `[{"index":0},{"index":1}]`, string(data))

	spatial, err := tf.Read("s1", TraceKindSpatial)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(spatial), "kinds are separate files")
}

func TestTraceFiles_AppendWithoutSeed(t *testing.T) {
	tf, err := NewTraceFiles(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tf.Append("s1", TraceKindSpatial, []byte(`1`)))
	require.NoError(t, tf.Append("s1", TraceKindSpatial, []byte(`2`)))
	data, err := tf.Read("s1", TraceKindSpatial)
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(data))
}

func TestTraceFiles_TrailingWhitespace(t *testing.T) {
	dir := t.TempDir()
	tf, err := NewTraceFiles(dir)
	require.NoError(t, err)

	path, err := tf.Path("s1", TraceKindScalar)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("[ ]\n"), 0o644))

	require.NoError(t, tf.Append("s1", TraceKindScalar, []byte(`"x"`)))
	data, err := tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)

	var arr []string
	require.NoError(t, json.Unmarshal(data, &arr))
	assert.Equal(t, []string{"x"}, arr)
}

func TestTraceFiles_CorruptFileAppendsAtEOF(t *testing.T) {
	dir := t.TempDir()
	tf, err := NewTraceFiles(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "s1.trace.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"index":0}`), 0o644))

	require.NoError(t, tf.Append("s1", TraceKindScalar, []byte(`{"index":1}`)))
	data, err := tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)
	assert.Equal(t, `[{"index":0}{"index":1}`, string(data))
}

func TestTraceFiles_ConcurrentAppendsStayValid(t *testing.T) {
	tf, err := NewTraceFiles(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tf.Seed("s1"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			elem, _ := json.Marshal(i)
			assert.NoError(t, tf.Append("s1", TraceKindScalar, elem))
		}(i)
	}
	wg.Wait()

	data, err := tf.Read("s1", TraceKindScalar)
	require.NoError(t, err)
	var arr []int
	require.NoError(t, json.Unmarshal(data, &arr))
	assert.Len(t, arr, 50)
}

func TestTraceFiles_Remove(t *testing.T) {
	tf, err := NewTraceFiles(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tf.Seed("s1"))

	require.NoError(t, tf.Remove("s1"))
	require.NoError(t, tf.Remove("s1"), "removing twice is fine")

	_, err = tf.Read("s1", TraceKindScalar)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceFiles_RejectsPathIDs(t *testing.T) {
	tf, err := NewTraceFiles(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, tf.Seed(id), "id %q", id)
	}
}
