package task

// Owner is the lifecycle scope a task can be attached to. The owner calls the
// registered teardown when it is destroyed; remove unregisters it.
type Owner interface {
	RegisterTeardown(fn func()) (remove func())
}

// Attach destroys the task when owner is torn down. Attaching again moves
// the task to the new owner.
func (t *Task) Attach(owner Owner) {
	if owner == nil {
		return
	}
	remove := owner.RegisterTeardown(t.Destroy)

	t.mu.Lock()
	prev := t.detach
	t.detach = remove
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Detach removes the task from its owner, if any.
func (t *Task) Detach() {
	t.mu.Lock()
	remove := t.detach
	t.detach = nil
	t.mu.Unlock()

	if remove != nil {
		remove()
	}
}
