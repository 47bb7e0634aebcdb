// ABOUTME: Crash recovery: re-attaches control loops to every non-terminal run found in the store.
// ABOUTME: Runs resume from their persisted current_stage; suspended runs come back still suspended.
package pipeline

import "fmt"

// Resume re-attaches a control loop to one non-terminal run.
func (e *Engine) Resume(runID string) error {
	run, err := e.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %q is already %s", runID, run.Status)
	}

	e.mu.Lock()
	_, alreadyActive := e.active[runID]
	e.mu.Unlock()
	if alreadyActive {
		return fmt.Errorf("run %q is already active", runID)
	}

	e.spawn(runID)
	return nil
}

// ResumeAll finds every non-terminal run in the store and resumes it, oldest
// first. Called once at process startup; returns the resumed run IDs.
func (e *Engine) ResumeAll() ([]string, error) {
	runs, err := e.store.List()
	if err != nil {
		return nil, err
	}

	// List is newest-first; resume in creation order.
	var resumed []string
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.Status.IsTerminal() {
			continue
		}
		if err := e.Resume(run.ID); err != nil {
			continue
		}
		resumed = append(resumed, run.ID)
	}
	return resumed, nil
}
