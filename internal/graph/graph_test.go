package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

func TestBuild_AllSources(t *testing.T) {
	tasks, err := Build(model.KnownSources)
	require.NoError(t, err)

	// 4 fetch + summarize + correlate.
	require.Len(t, tasks, 6)

	correlate := tasks[len(tasks)-1]
	require.Equal(t, model.TaskCorrelate, correlate.ID.Kind)

	// Correlate depends on exactly every fetch task plus summarize.
	deps := make(map[model.TaskID]bool)
	for _, d := range correlate.DependsOn {
		deps[d] = true
	}
	for _, src := range model.KnownSources {
		assert.True(t, deps[model.TaskID{Kind: model.FetchKind(src), Source: src}],
			"correlate missing dependency on %s", src)
	}
	assert.True(t, deps[model.TaskID{Kind: model.TaskAISummarize}])
	assert.Len(t, correlate.DependsOn, len(model.KnownSources)+1)
}

func TestBuild_SubsetSources(t *testing.T) {
	tasks, err := Build([]model.SourceKey{model.SourceSite, model.SourceJobs})
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	summarize := tasks[2]
	require.Equal(t, model.TaskAISummarize, summarize.ID.Kind)
	assert.Len(t, summarize.DependsOn, 2)
}

func TestBuild_SeqIsCreationOrder(t *testing.T) {
	tasks, err := Build(model.KnownSources)
	require.NoError(t, err)
	for i, task := range tasks {
		assert.Equal(t, i, task.Seq)
		assert.Equal(t, model.TaskPending, task.State)
	}
}

func TestBuild_RejectsEmptySourceSet(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
	assert.True(t, resilience.IsInvalidRequest(err))
}

func TestBuild_RejectsUnknownSource(t *testing.T) {
	_, err := Build([]model.SourceKey{model.SourceSite, "linkedin"})
	require.Error(t, err)
	assert.True(t, resilience.IsInvalidRequest(err))
}

func TestBuild_RejectsDuplicateSource(t *testing.T) {
	_, err := Build([]model.SourceKey{model.SourceSite, model.SourceSite})
	require.Error(t, err)
	assert.True(t, resilience.IsInvalidRequest(err))
}

func TestValidate_DetectsCycle(t *testing.T) {
	a := model.TaskID{Kind: model.TaskFetchSite, Source: model.SourceSite}
	b := model.TaskID{Kind: model.TaskFetchNews, Source: model.SourceNews}
	tasks := []model.Task{
		{ID: a, DependsOn: []model.TaskID{b}},
		{ID: b, DependsOn: []model.TaskID{a}},
	}
	err := Validate(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_DetectsSelfDependency(t *testing.T) {
	a := model.TaskID{Kind: model.TaskCorrelate}
	err := Validate([]model.Task{{ID: a, DependsOn: []model.TaskID{a}}})
	require.Error(t, err)
}

func TestValidate_DetectsUnknownDependency(t *testing.T) {
	a := model.TaskID{Kind: model.TaskCorrelate}
	ghost := model.TaskID{Kind: model.TaskFetchJobs, Source: model.SourceJobs}
	err := Validate([]model.Task{{ID: a, DependsOn: []model.TaskID{ghost}}})
	require.Error(t, err)
}

func TestDependents(t *testing.T) {
	tasks, err := Build([]model.SourceKey{model.SourceSite})
	require.NoError(t, err)

	siteID := model.TaskID{Kind: model.TaskFetchSite, Source: model.SourceSite}
	deps := Dependents(tasks, siteID)
	require.Len(t, deps, 2) // summarize and correlate
}
