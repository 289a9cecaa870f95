package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUnloader struct {
	calls int
}

func (r *recordingUnloader) Unload(ctx context.Context) error {
	r.calls++
	return nil
}

func TestStaticAssignmentThreePlus(t *testing.T) {
	o := NewOrchestrator(Config{
		GPUCount:  4,
		Endpoints: []string{"http://gpu0", "http://gpu1", "http://gpu2", "http://gpu3"},
	})

	assert.Equal(t, "http://gpu0", o.EmbedEndpoint())
	assert.Equal(t, "http://gpu1", o.RerankEndpoint())
	assert.Equal(t, []string{"http://gpu2", "http://gpu3"}, o.LLMEndpoints())
	assert.Equal(t, 2, o.Workers())
}

func TestDedicatedDeviceAcquireIsFree(t *testing.T) {
	o := NewOrchestrator(Config{GPUCount: 3})
	emb := &recordingUnloader{}
	o.RegisterUnloader(TaskEmbed, emb)

	release, err := o.Acquire(context.Background(), TaskLLM)
	require.NoError(t, err)
	release()
	assert.Zero(t, emb.calls)
}

func TestSharedDeviceEvictsPreviousTask(t *testing.T) {
	o := NewOrchestrator(Config{GPUCount: 1})
	emb := &recordingUnloader{}
	llm := &recordingUnloader{}
	o.RegisterUnloader(TaskEmbed, emb)
	o.RegisterUnloader(TaskLLM, llm)

	ctx := context.Background()

	release, err := o.Acquire(ctx, TaskEmbed)
	require.NoError(t, err)
	release()
	assert.Zero(t, llm.calls)

	// Switching tasks on the shared device unloads the embedder.
	release, err = o.Acquire(ctx, TaskLLM)
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, emb.calls)

	// Re-acquiring the same task does not unload again.
	release, err = o.Acquire(ctx, TaskLLM)
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, emb.calls)
	assert.Zero(t, llm.calls)
}

func TestTwoDeviceCollapse(t *testing.T) {
	o := NewOrchestrator(Config{GPUCount: 2, Endpoints: []string{"http://a", "http://b"}})

	assert.Equal(t, "http://a", o.EmbedEndpoint())
	assert.Equal(t, "http://b", o.RerankEndpoint())
	assert.Equal(t, []string{"http://a"}, o.LLMEndpoints())
	assert.Equal(t, 1, o.Workers())
}

func TestEndpointsWrap(t *testing.T) {
	o := NewOrchestrator(Config{GPUCount: 3, Endpoints: []string{"http://only"}})
	assert.Equal(t, "http://only", o.EmbedEndpoint())
	assert.Equal(t, "http://only", o.RerankEndpoint())
}

func TestUnloadAll(t *testing.T) {
	o := NewOrchestrator(Config{GPUCount: 3})
	emb := &recordingUnloader{}
	rr := &recordingUnloader{}
	o.RegisterUnloader(TaskEmbed, emb)
	o.RegisterUnloader(TaskRerank, rr)

	require.NoError(t, o.UnloadAll(context.Background()))
	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, 1, rr.calls)
}
