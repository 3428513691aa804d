package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloom/loom/types"
)

const sampleWorkflowText = `<root>
  <name>Extract product data</name>
  <thought>Open the page first, then extract both fields.</thought>
  <agents>
    <agent name="Browser" id="0" dependsOn="">
      <task>Open the product page</task>
      <nodes>
        <node id="0">Navigate to the product page</node>
        <node id="1" output="pageReady">Wait for the page to settle</node>
      </nodes>
    </agent>
    <agent name="Extractor" id="1" dependsOn="0">
      <task>Extract title &amp; price</task>
      <nodes>
        <node id="0" input="pageReady" output="fields">Extract the two fields</node>
        <forEach id="1" items="fields">
          <node>Validate the field value</node>
        </forEach>
      </nodes>
    </agent>
  </agents>
</root>`

// ---------------------------------------------------------------------------
// Parse: complete input
// ---------------------------------------------------------------------------

func TestParse_Complete(t *testing.T) {
	w, err := Parse("task-1", sampleWorkflowText, true, "")
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, "task-1", w.TaskID)
	assert.Equal(t, "Extract product data", w.Name)
	assert.Equal(t, "Open the page first, then extract both fields.", w.Thought)
	require.Len(t, w.Agents, 2)

	browser := w.Agents[0]
	assert.Equal(t, "agent_0", browser.ID)
	assert.Equal(t, "Browser", browser.Name)
	assert.Empty(t, browser.DependsOn)
	assert.Equal(t, AgentStatusInit, browser.Status)
	require.Len(t, browser.Nodes, 2)
	second, ok := browser.Nodes[1].(*TextNode)
	require.True(t, ok)
	assert.Equal(t, "pageReady", second.Output)

	extractor := w.Agents[1]
	assert.Equal(t, "agent_1", extractor.ID)
	assert.Equal(t, "Extract title & price", extractor.Task)
	assert.Equal(t, []string{"agent_0"}, extractor.DependsOn)
	require.Len(t, extractor.Nodes, 2)
	forEach, ok := extractor.Nodes[1].(*ForEachNode)
	require.True(t, ok)
	assert.Equal(t, "fields", forEach.Items)
	require.Len(t, forEach.Nodes, 1)
	assert.Equal(t, NodeKindText, forEach.Nodes[0].Kind())

	assert.NotEmpty(t, w.XML)
	assert.NotEmpty(t, browser.XML)
	assert.False(t, w.Modified)
}

func TestParse_MissingRoot(t *testing.T) {
	_, err := Parse("task-1", "no workflow here", true, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidWorkflow, types.GetErrorCode(err))

	w, err := Parse("task-1", "no workflow here", false, "")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestParse_PriorThought(t *testing.T) {
	text := `<root><name>Plan</name><agents></agents></root>`
	w, err := Parse("task-1", text, true, "kept from the previous plan")
	require.NoError(t, err)
	assert.Equal(t, "kept from the previous plan", w.Thought)
}

// ---------------------------------------------------------------------------
// Parse: streaming input
// ---------------------------------------------------------------------------

// Any prefix of valid workflow text must parse without error while
// streaming, and must expose the name as soon as its tag is complete.
func TestParse_TolerantPrefixes(t *testing.T) {
	nameComplete := strings.Index(sampleWorkflowText, "</name>") + len("</name>")

	for i := 0; i <= len(sampleWorkflowText); i++ {
		prefix := sampleWorkflowText[:i]
		w, err := Parse("task-1", prefix, false, "")
		require.NoError(t, err, "prefix of length %d", i)

		if i >= nameComplete {
			require.NotNil(t, w, "prefix of length %d", i)
			assert.Equal(t, "Extract product data", w.Name, "prefix of length %d", i)
		}
	}
}

func TestParse_StreamingTruncatedAgent(t *testing.T) {
	cut := strings.Index(sampleWorkflowText, "Extract the two")
	w, err := Parse("task-1", sampleWorkflowText[:cut], false, "")
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Len(t, w.Agents, 2)
	assert.Equal(t, "Browser", w.Agents[0].Name)
	require.Len(t, w.Agents[0].Nodes, 2)
}

// ---------------------------------------------------------------------------
// Parallel derivation
// ---------------------------------------------------------------------------

func parallelFixture() string {
	return `<root>
  <name>fan out</name>
  <thought>t</thought>
  <agents>
    <agent name="A" id="0" dependsOn=""><task>a</task><nodes><node>x</node></nodes></agent>
    <agent name="B" id="1" dependsOn="0"><task>b</task><nodes><node>x</node></nodes></agent>
    <agent name="C" id="2" dependsOn="0"><task>c</task><nodes><node>x</node></nodes></agent>
  </agents>
</root>`
}

func TestParse_ParallelDerivation(t *testing.T) {
	w, err := Parse("task-1", parallelFixture(), true, "")
	require.NoError(t, err)
	require.Len(t, w.Agents, 3)

	assert.False(t, w.Agents[0].Parallel)
	assert.True(t, w.Agents[1].Parallel)
	assert.True(t, w.Agents[2].Parallel)
}

func TestParse_ParallelNotDerivedWhileStreaming(t *testing.T) {
	w, err := Parse("task-1", parallelFixture(), false, "")
	require.NoError(t, err)
	require.Len(t, w.Agents, 3)
	for _, a := range w.Agents {
		assert.False(t, a.Parallel)
	}
}

func TestParse_ParallelEmptyDependencySets(t *testing.T) {
	text := `<root><name>n</name><thought>t</thought><agents>
	  <agent name="A" id="0" dependsOn=""><task>a</task><nodes><node>x</node></nodes></agent>
	  <agent name="B" id="1" dependsOn=""><task>b</task><nodes><node>x</node></nodes></agent>
	</agents></root>`
	w, err := Parse("task-1", text, true, "")
	require.NoError(t, err)
	assert.True(t, w.Agents[0].Parallel)
	assert.True(t, w.Agents[1].Parallel)
}

// ---------------------------------------------------------------------------
// Dependency resolution
// ---------------------------------------------------------------------------

func TestParse_InvalidDependencyIndices(t *testing.T) {
	text := `<root><name>n</name><thought>t</thought><agents>
	  <agent name="A" id="0" dependsOn=""><task>a</task><nodes><node>x</node></nodes></agent>
	  <agent name="B" id="1" dependsOn="0, 1, 9, junk, 0"><task>b</task><nodes><node>x</node></nodes></agent>
	</agents></root>`
	w, err := Parse("task-1", text, true, "")
	require.NoError(t, err)
	// Self references, out-of-range indices, garbage, and duplicates are
	// all dropped; only the valid sibling remains.
	assert.Equal(t, []string{"agent_0"}, w.Agents[1].DependsOn)
}

// ---------------------------------------------------------------------------
// Watch nodes
// ---------------------------------------------------------------------------

func TestParse_WatchNode(t *testing.T) {
	text := `<root><name>n</name><thought>t</thought><agents>
	  <agent name="A" id="0" dependsOn="">
	    <task>watch the page</task>
	    <nodes>
	      <watch event="dom" loop="true">
	        <description>wait for the list to change</description>
	        <trigger>
	          <node>re-extract the rows</node>
	          <forEach items="rows"><node>store the row</node></forEach>
	        </trigger>
	      </watch>
	    </nodes>
	  </agent>
	</agents></root>`

	w, err := Parse("task-1", text, true, "")
	require.NoError(t, err)
	require.Len(t, w.Agents[0].Nodes, 1)

	watch, ok := w.Agents[0].Nodes[0].(*WatchNode)
	require.True(t, ok)
	assert.Equal(t, WatchEventDOM, watch.Event)
	assert.True(t, watch.Loop)
	assert.Equal(t, "wait for the list to change", watch.Description)
	require.Len(t, watch.Triggers, 2)
	assert.Equal(t, NodeKindText, watch.Triggers[0].Kind())
	assert.Equal(t, NodeKindForEach, watch.Triggers[1].Kind())
}

func TestParse_NestedWatchDropped(t *testing.T) {
	text := `<root><name>n</name><thought>t</thought><agents>
	  <agent name="A" id="0" dependsOn="">
	    <task>watch</task>
	    <nodes>
	      <watch event="file" loop="false">
	        <description>outer</description>
	        <trigger>
	          <node>keep this</node>
	          <watch event="dom" loop="true"><description>inner</description></watch>
	        </trigger>
	      </watch>
	    </nodes>
	  </agent>
	</agents></root>`

	w, err := Parse("task-1", text, true, "")
	require.NoError(t, err)
	watch := w.Agents[0].Nodes[0].(*WatchNode)
	require.Len(t, watch.Triggers, 1)
	assert.Equal(t, NodeKindText, watch.Triggers[0].Kind())
}

// ---------------------------------------------------------------------------
// Agent status transitions
// ---------------------------------------------------------------------------

func TestAgentSetStatus_ForwardOnly(t *testing.T) {
	a := &Agent{ID: "agent_0", Status: AgentStatusInit}

	require.NoError(t, a.SetStatus(AgentStatusRunning))
	require.NoError(t, a.SetStatus(AgentStatusDone))

	assert.Error(t, a.SetStatus(AgentStatusRunning))
	assert.Error(t, a.SetStatus(AgentStatusInit))
	assert.Equal(t, AgentStatusDone, a.Status)
}
