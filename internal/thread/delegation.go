// ABOUTME: Depth-limited delegation of a task to a forked child thread
// ABOUTME: Budget is passed by value so parallel branches never share a counter

package thread

import (
	"context"
	"fmt"
)

// DelegationDenied is returned as the delegation result when the budget is
// exhausted.
const DelegationDenied = "Delegation not allowed, either permanently, or existing capacity already used."

// Budget is the remaining delegation depth.
type Budget struct {
	depth int
}

// NewBudget creates a budget allowing depth nested delegations.
func NewBudget(depth int) Budget {
	return Budget{depth: depth}
}

// Remaining returns the depth left.
func (b Budget) Remaining() int {
	return b.depth
}

// Enter returns the budget for a child call. ok is false when no depth is
// left, in which case the child must not run.
func (b Budget) Enter() (child Budget, ok bool) {
	if b.depth <= 0 {
		return b, false
	}
	return Budget{depth: b.depth - 1}, true
}

// Runner runs an agent against child with the given budget.
type Runner func(ctx context.Context, child *Thread, budget Budget) error

// Delegate forks parent, runs the child with one less unit of budget, merges
// the result back and returns the last assistant text the child produced.
// An exhausted budget yields DelegationDenied without forking.
func Delegate(ctx context.Context, parent *Thread, budget Budget, childName string, run Runner) (string, error) {
	childBudget, ok := budget.Enter()
	if !ok {
		return DelegationDenied, nil
	}

	child := parent.Fork(childName)
	if err := run(ctx, child, childBudget); err != nil {
		return "", fmt.Errorf("delegated run: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := parent.Merge(child); err != nil {
		return "", err
	}
	return lastAssistantText(child.Messages[child.forkLen:]), nil
}

// FormatTask wraps a delegated task for the receiving agent.
func FormatTask(task string) string {
	return fmt.Sprintf(`You are given a task to try to complete.
This task is part of a broader conversation given for context, but your current focus should be on this precise task:

<task>
  %s
</task>`, task)
}
