// Package graph builds and validates the task DAG for a research job.
package graph

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// Build expands a requested source set into the job's task DAG: one fetch
// task per source, one summarize task depending on every fetch, and one
// terminal correlate task depending on everything else. Construction is
// pure; the returned slice is handed to the scheduler as a value.
//
// An empty source set or an unknown source key is rejected with an
// InvalidRequestError.
func Build(sources []model.SourceKey) ([]model.Task, error) {
	if len(sources) == 0 {
		return nil, resilience.InvalidRequest("empty source set")
	}

	known := make(map[model.SourceKey]bool, len(model.KnownSources))
	for _, s := range model.KnownSources {
		known[s] = true
	}

	seen := make(map[model.SourceKey]bool, len(sources))
	var tasks []model.Task
	var fetchIDs []model.TaskID
	seq := 0

	for _, src := range sources {
		if !known[src] {
			return nil, resilience.InvalidRequest("unknown source %q", src)
		}
		if seen[src] {
			return nil, resilience.InvalidRequest("duplicate source %q", src)
		}
		seen[src] = true

		id := model.TaskID{Kind: model.FetchKind(src), Source: src}
		tasks = append(tasks, model.Task{
			ID:    id,
			State: model.TaskPending,
			Seq:   seq,
		})
		fetchIDs = append(fetchIDs, id)
		seq++
	}

	summarizeID := model.TaskID{Kind: model.TaskAISummarize}
	tasks = append(tasks, model.Task{
		ID:        summarizeID,
		DependsOn: append([]model.TaskID(nil), fetchIDs...),
		State:     model.TaskPending,
		Seq:       seq,
	})
	seq++

	correlateDeps := append(append([]model.TaskID(nil), fetchIDs...), summarizeID)
	tasks = append(tasks, model.Task{
		ID:        model.TaskID{Kind: model.TaskCorrelate},
		DependsOn: correlateDeps,
		State:     model.TaskPending,
		Seq:       seq,
	})

	if err := Validate(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Validate checks that every dependency references a task in the set and
// that the graph is acyclic (Kahn's algorithm).
func Validate(tasks []model.Task) error {
	byID := make(map[model.TaskID]*model.Task, len(tasks))
	for i := range tasks {
		if _, dup := byID[tasks[i].ID]; dup {
			return eris.Errorf("graph: duplicate task %s", tasks[i].ID)
		}
		byID[tasks[i].ID] = &tasks[i]
	}

	indegree := make(map[model.TaskID]int, len(tasks))
	dependents := make(map[model.TaskID][]model.TaskID, len(tasks))
	for i := range tasks {
		indegree[tasks[i].ID] += 0
		for _, dep := range tasks[i].DependsOn {
			if dep == tasks[i].ID {
				return eris.Errorf("graph: task %s depends on itself", tasks[i].ID)
			}
			if _, ok := byID[dep]; !ok {
				return eris.Errorf("graph: task %s depends on unknown task %s", tasks[i].ID, dep)
			}
			indegree[tasks[i].ID]++
			dependents[dep] = append(dependents[dep], tasks[i].ID)
		}
	}

	var queue []model.TaskID
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(tasks) {
		return eris.New("graph: dependency cycle detected")
	}
	return nil
}

// Dependents returns the IDs of tasks that depend (directly) on id.
func Dependents(tasks []model.Task, id model.TaskID) []model.TaskID {
	var out []model.TaskID
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			if dep == id {
				out = append(out, tasks[i].ID)
				break
			}
		}
	}
	return out
}
